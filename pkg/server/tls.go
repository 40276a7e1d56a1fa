package server

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quic-go/quic-go"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"
)

const certReloadDelay = 2 * time.Second

var (
	keysOnce          sync.Once
	statelessResetKey *quic.StatelessResetKey
	sessionTicketKey  [32]byte
)

// loadKeys loads the quic stateless reset key and the tls session ticket
// key from the "key" dir next to the executable, creating them if needed.
// Ephemeral keys are used if that fails.
func loadKeys(logger *zap.Logger) {
	keysOnce.Do(func() {
		resetKey, sessionKey, err := loadOrCreateKeys(logger)
		if err == nil {
			statelessResetKey = resetKey
			copy(sessionTicketKey[:], sessionKey)
			return
		}
		logger.Warn("failed to load persistent keys, using ephemeral keys", zap.Error(err))

		var k quic.StatelessResetKey
		if _, err := rand.Read(k[:]); err != nil {
			panic("failed to generate ephemeral reset key: " + err.Error())
		}
		statelessResetKey = &k
		if _, err := rand.Read(sessionTicketKey[:]); err != nil {
			panic("failed to generate ephemeral session ticket key: " + err.Error())
		}
	})
}

func loadOrCreateKeys(logger *zap.Logger) (*quic.StatelessResetKey, []byte, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}

	keyDir := filepath.Join(filepath.Dir(execPath), "key")
	resetKey, err := loadOrCreateSingleKey(filepath.Join(keyDir, ".swcache_stateless_reset.key"), keyDir, logger)
	if err != nil {
		return nil, nil, err
	}
	sessionKey, err := loadOrCreateSingleKey(filepath.Join(keyDir, ".swcache_session_ticket.key"), keyDir, logger)
	if err != nil {
		return nil, nil, err
	}

	var quicResetKey quic.StatelessResetKey
	copy(quicResetKey[:], resetKey)
	return &quicResetKey, sessionKey, nil
}

func loadOrCreateSingleKey(keyFile string, keyDir string, logger *zap.Logger) ([]byte, error) {
	if data, err := os.ReadFile(keyFile); err == nil && len(data) == 32 {
		logger.Info("key loaded", zap.String("file", keyFile))
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		return nil, err
	}
	logger.Info("key created", zap.String("file", keyFile))
	return key, nil
}

type cert[T tls.Certificate | eTLS.Certificate] struct {
	ptr atomic.Pointer[T]
}

func (c *cert[T]) get() *T {
	return c.ptr.Load()
}

func (c *cert[T]) set(newCert *T) {
	c.ptr.Store(newCert)
}

// tryCreateWatchCert loads the key pair and reloads it whenever one of the
// files changes. The watcher stops when the server is closed.
func tryCreateWatchCert[T tls.Certificate | eTLS.Certificate](s *Server, certFile string, keyFile string, createFunc func(string, string) (T, error)) (*cert[T], error) {
	logger := s.opts.Logger
	c, err := createFunc(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	cc := &cert[T]{}
	cc.set(&c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create certificate watcher", zap.Error(err))
		return cc, nil
	}
	if !s.track(watcher) {
		watcher.Close()
		return nil, ErrServerClosed
	}
	watch := func() {
		if err := watcher.Add(certFile); err != nil {
			logger.Warn("failed to watch certificate file", zap.String("file", certFile), zap.Error(err))
		}
		if err := watcher.Add(keyFile); err != nil {
			logger.Warn("failed to watch key file", zap.String("file", keyFile), zap.Error(err))
		}
	}
	watch()

	go func() {
		defer s.untrack(watcher)

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		resetTimer := func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(certReloadDelay)
		}

		needReWatch := false
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				logger.Debug("certificate event", zap.String("file", e.Name), zap.Stringer("op", e.Op))
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					// Editors and cert managers replace files, the original
					// paths must be watched again.
					needReWatch = true
					resetTimer()
					continue
				}
				if e.Has(fsnotify.Chmod) {
					continue
				}
				resetTimer()

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					watch()
				}
				newCert, err := createFunc(certFile, keyFile)
				if err != nil {
					logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
					continue
				}
				cc.set(&newCert)
				logger.Info("certificate reloaded", zap.String("file", certFile))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("certificate watcher error", zap.Error(err))
			}
		}
	}()

	return cc, nil
}

// CreateQUICListner creates a h3 listener on conn.
func (s *Server) CreateQUICListner(conn net.PacketConn, nextProtos []string, allowedSNI string) (*quic.EarlyListener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}
	loadKeys(s.opts.Logger)

	c, err := tryCreateWatchCert(s, s.opts.Cert, s.opts.Key, tls.LoadX509KeyPair)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{
		Conn:              conn,
		StatelessResetKey: statelessResetKey,
	}

	return tr.ListenEarly(&tls.Config{
		NextProtos:       nextProtos,
		SessionTicketKey: sessionTicketKey,

		// No post-quantum key exchange, it is heavy on cpu.
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}
			return cert, nil
		},
	}, &quic.Config{
		Allow0RTT:          true,
		MaxIncomingStreams: 1000,
	})
}

// CreateETLSListner wraps l in a tls listener.
func (s *Server) CreateETLSListner(l net.Listener, nextProtos []string, allowedSNI string) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}
	loadKeys(s.opts.Logger)

	c, err := tryCreateWatchCert(s, s.opts.Cert, s.opts.Key, eTLS.LoadX509KeyPair)
	if err != nil {
		return nil, err
	}

	return eTLS.NewListener(l, &eTLS.Config{
		SessionTicketKey: sessionTicketKey,
		KernelTX:         s.opts.KernelTX,
		KernelRX:         s.opts.KernelRX,
		NextProtos:       nextProtos,

		CertificateCompressionPreferences: []eTLS.CertificateCompressionAlgorithm{
			eTLS.Brotli,
			eTLS.Zlib,
		},

		PreferCipherSuites: true,
		CipherSuites: []uint16{
			eTLS.TLS_AES_128_GCM_SHA256,
			eTLS.TLS_CHACHA20_POLY1305_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			eTLS.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			eTLS.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},

		CurvePreferences: []eTLS.CurveID{
			eTLS.X25519,
			eTLS.CurveP256,
		},

		Defaults: eTLS.Defaults{
			AllSecureCipherSuites: false,
			AllSecureCurves:       false,
		},

		GetCertificate: func(chi *eTLS.ClientHelloInfo) (*eTLS.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}
			return cert, nil
		},
	}), nil
}
