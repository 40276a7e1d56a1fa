package coremain

import (
	"fmt"
	"net"

	"github.com/pires/go-proxyproto"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/server"
	H "github.com/pmkol/swcache-x/pkg/server/http_handler"
	"github.com/pmkol/swcache-x/pkg/utils"
)

func (m *Swcache) startServer(cfg *ServerConfig, wc *WorkerConfig) error {
	if len(cfg.Addr) == 0 {
		return fmt.Errorf("no address to bind")
	}
	protocol := cfg.Protocol
	if len(protocol) == 0 {
		protocol = "http"
	}

	handler, err := H.NewHandler(H.HandlerOpts{
		FetchHandler: m.worker,
		Origin:       m.origin,
		SrcIPHeader:  cfg.SrcIPHeader,
		MaxBodySize:  wc.MaxBodySize,
		Logger:       m.logger.Named("http"),
	})
	if err != nil {
		return fmt.Errorf("failed to init http handler, %w", err)
	}

	s := server.NewServer(server.Opts{
		Logger:      m.logger,
		HttpHandler: handler,
		Cert:        cfg.Cert,
		Key:         cfg.Key,
		KernelRX:    cfg.KernelRX,
		KernelTX:    cfg.KernelTX,
		IdleTimeout: utils.Seconds(cfg.IdleTimeout),
	})

	var run func() error
	switch protocol {
	case "http", "https":
		l, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return err
		}
		if cfg.ProxyProtocol {
			l = &proxyproto.Listener{Listener: l}
		}
		if protocol == "https" {
			tl, err := s.CreateETLSListner(l, []string{"h2", "http/1.1"}, cfg.AllowedSNI)
			if err != nil {
				l.Close()
				return err
			}
			l = tl
		}
		run = func() error { return s.ServeHTTP(l) }
	case "h3":
		conn, err := net.ListenPacket("udp", cfg.Addr)
		if err != nil {
			return err
		}
		l, err := s.CreateQUICListner(conn, []string{http3.NextProtoH3}, cfg.AllowedSNI)
		if err != nil {
			conn.Close()
			return err
		}
		run = func() error { return s.ServeH3(l) }
	default:
		return fmt.Errorf("unknown protocol: [%s]", protocol)
	}

	m.logger.Info("server started", zap.String("protocol", protocol), zap.String("addr", cfg.Addr))
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- run()
		}()
		select {
		case err := <-errChan:
			m.sc.SendCloseSignal(fmt.Errorf("server exited, %w", err))
		case <-closeSignal:
			s.Close()
		}
	})
	return nil
}
