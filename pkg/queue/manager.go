package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Opener opens the underlying Store.
type Opener func(ctx context.Context) (Store, error)

// Manager owns a lazily opened Store handle. Callers get the handle from
// Acquire instead of holding it themselves. A failed open is not cached:
// the next Acquire tries again.
type Manager struct {
	open   Opener
	logger *zap.Logger

	m      sync.Mutex
	s      Store
	closed bool
}

func NewManager(open Opener, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{open: open, logger: logger}
}

// NewStaticManager wraps an already opened Store.
func NewStaticManager(s Store) *Manager {
	return &Manager{
		open:   func(context.Context) (Store, error) { return s, nil },
		logger: zap.NewNop(),
	}
}

// Acquire returns the Store, opening it on first use.
func (m *Manager) Acquire(ctx context.Context) (Store, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.s != nil {
		return m.s, nil
	}
	s, err := m.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	m.logger.Debug("queue store opened")
	m.s = s
	return s, nil
}

// With runs f with the Store.
func (m *Manager) With(ctx context.Context, f func(s Store) error) error {
	s, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	return f(s)
}

// Close closes the Store if it was opened. Subsequent Acquire calls fail.
func (m *Manager) Close() error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.s == nil {
		return nil
	}
	return m.s.Close()
}
