package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/cache"
	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/notifier"
)

// Commands sent by pages.
const (
	CmdSkipWaiting       = "skipWaiting"
	CmdCacheURLs         = "CACHE_URLS"
	CmdCacheDemoData     = "CACHE_DEMO_DATA"
	CmdGetSyncStatus     = "GET_SYNC_STATUS"
	CmdTriggerSync       = "TRIGGER_SYNC"
	CmdCheckOnline       = "CHECK_ONLINE"
	CmdClientURL         = "CLIENT_URL"
	CmdNotificationClick = "NOTIFICATION_CLICK"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadMessage     = errors.New("malformed message")
)

type cacheURLsArgs struct {
	URLs []string `mapstructure:"urls"`
}

type cacheDemoDataArgs struct {
	DemoID string `mapstructure:"demoId"`
	Data   any    `mapstructure:"data"`
}

type clientURLArgs struct {
	URL string `mapstructure:"url"`
}

type notificationClickArgs struct {
	Action string `mapstructure:"action"`
	URL    string `mapstructure:"url"`
}

// Dispatch handles a page message as an independent event. It is the
// hub's OnMessage callback.
func (w *Worker) Dispatch(clientID string, raw []byte) {
	w.Go(func(ctx context.Context) {
		if err := w.Message(ctx, clientID, raw); err != nil {
			w.logger.Warn("failed to handle message", zap.String("client", clientID), zap.ByteString("msg", truncate(raw, 256)), zap.Error(err))
		}
	})
}

// Message handles a page message. A message is either the bare string
// "skipWaiting" or an object with a "type" field.
func (w *Worker) Message(ctx context.Context, clientID string, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	if s, ok := v.(string); ok {
		if s != CmdSkipWaiting {
			return fmt.Errorf("%w: %q", ErrUnknownCommand, s)
		}
		w.lifecycle.SkipWaiting(ctx)
		return nil
	}

	m, ok := v.(map[string]any)
	if !ok {
		return ErrBadMessage
	}
	typ, _ := m["type"].(string)

	switch typ {
	case CmdSkipWaiting:
		w.lifecycle.SkipWaiting(ctx)
		return nil

	case CmdCacheURLs:
		args := new(cacheURLsArgs)
		if err := decodeArgs(m, args); err != nil {
			return err
		}
		return w.cacheURLs(ctx, args.URLs)

	case CmdCacheDemoData:
		args := new(cacheDemoDataArgs)
		if err := decodeArgs(m, args); err != nil {
			return err
		}
		return w.cacheDemoData(ctx, args.DemoID, args.Data)

	case CmdGetSyncStatus:
		return w.opts.Clients.Send(clientID, notifier.NewSyncStatus(w.sync.Pending(ctx)))

	case CmdTriggerSync:
		w.sync.Sync(ctx)
		return nil

	case CmdCheckOnline:
		return w.opts.Clients.Send(clientID, notifier.NewOnlineStatus(w.CheckOnline(ctx)))

	case CmdClientURL:
		args := new(clientURLArgs)
		if err := decodeArgs(m, args); err != nil {
			return err
		}
		w.opts.Clients.SetURL(clientID, args.URL)
		return nil

	case CmdNotificationClick:
		args := new(notificationClickArgs)
		if err := decodeArgs(m, args); err != nil {
			return err
		}
		return w.NotificationClick(clientID, args.Action, args.URL)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, typ)
	}
}

func decodeArgs(m map[string]any, out any) error {
	// Unknown fields such as "type" are ignored.
	if err := mapstructure.Decode(m, out); err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	return nil
}

func (w *Worker) cacheURLs(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	reqs := make([]*fetch.Request, 0, len(urls))
	for _, u := range urls {
		req, err := fetch.NewRequest(http.MethodGet, u, w.opts.Origin, nil, nil)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", u, err)
		}
		reqs = append(reqs, req)
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.FetchTimeout)
	defer cancel()
	if err := w.executor.Bank().AddAll(ctx, cache.Dynamic, w.opts.Fetcher, reqs); err != nil {
		return fmt.Errorf("failed to cache urls: %w", err)
	}
	w.logger.Debug("urls cached", zap.Strings("urls", urls))
	return nil
}

func (w *Worker) cacheDemoData(ctx context.Context, demoID string, data any) error {
	demoID = strings.Trim(demoID, "/")
	if len(demoID) == 0 {
		return fmt.Errorf("%w: empty demoId", ErrBadMessage)
	}
	req, err := fetch.NewRequest(http.MethodGet, demoPathPrefix+demoID, w.opts.Origin, nil, nil)
	if err != nil {
		return fmt.Errorf("invalid demoId %q: %w", demoID, err)
	}
	r, err := fetch.JSON(data)
	if err != nil {
		return fmt.Errorf("failed to encode demo data: %w", err)
	}
	return w.executor.Bank().Put(ctx, cache.API, req, r)
}

// CheckOnline reports whether the origin answers a HEAD of HealthPath
// with a 2xx.
func (w *Worker) CheckOnline(ctx context.Context) bool {
	req, err := fetch.NewRequest(http.MethodHead, HealthPath, w.opts.Origin, nil, nil)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.FetchTimeout)
	defer cancel()
	r, err := w.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		w.logger.Debug("health check failed", zap.Error(err))
		return false
	}
	return r.OK()
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
