// Package mem_queue is an in-process queue.Store. Its content does not
// survive a restart; it is meant for tests and ephemeral deployments.
package mem_queue

import (
	"context"
	"sync"
	"time"

	"github.com/pmkol/swcache-x/pkg/queue"
)

type Store struct {
	m      sync.Mutex
	nextID int64
	rows   []*queue.Record
	dead   []*queue.DeadRecord
	closed bool

	// FailWith, if set, is returned by every call. Tests use it to
	// simulate an unavailable store.
	FailWith error
}

var _ queue.Store = (*Store)(nil)

func New() *Store {
	return &Store{}
}

func (s *Store) check() error {
	if s.closed {
		return queue.ErrStoreClosed
	}
	return s.FailWith
}

func copyRecord(r *queue.Record) *queue.Record {
	c := *r
	c.Headers = append([]queue.Header(nil), r.Headers...)
	c.Body = append([]byte(nil), r.Body...)
	c.RawBody = append([]byte(nil), r.RawBody...)
	if len(c.Body) == 0 {
		c.Body = nil
	}
	if len(c.RawBody) == 0 {
		c.RawBody = nil
	}
	return &c
}

func (s *Store) Enqueue(_ context.Context, r *queue.Record) (int64, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	s.nextID++
	c := copyRecord(r)
	c.ID = s.nextID
	s.rows = append(s.rows, c)
	return c.ID, nil
}

func (s *Store) ListAll(_ context.Context) ([]*queue.Record, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]*queue.Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (s *Store) indexOf(id int64) int {
	for i, r := range s.rows {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) DeleteByID(_ context.Context, id int64) error {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if i := s.indexOf(id); i >= 0 {
		s.rows = append(s.rows[:i], s.rows[i+1:]...)
	}
	return nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return len(s.rows), nil
}

func (s *Store) Bury(_ context.Context, id int64, reason string) error {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	i := s.indexOf(id)
	if i < 0 {
		return queue.ErrNotFound
	}
	s.dead = append(s.dead, &queue.DeadRecord{Record: *s.rows[i], BuriedAt: time.Now(), Reason: reason})
	s.rows = append(s.rows[:i], s.rows[i+1:]...)
	return nil
}

func (s *Store) ListDead(_ context.Context) ([]*queue.DeadRecord, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]*queue.DeadRecord, 0, len(s.dead))
	for _, d := range s.dead {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) Clear(_ context.Context) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	n := len(s.rows)
	s.rows = nil
	return n, nil
}

func (s *Store) Close() error {
	s.m.Lock()
	s.closed = true
	s.m.Unlock()
	return nil
}
