// Package queue holds mutating requests that could not reach the network
// until they are replayed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"
)

var (
	ErrStoreClosed = errors.New("queue store closed")
	ErrNotFound    = errors.New("queued request not found")
)

// Header is one captured request header. Headers keep their capture order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is a mutating request waiting for replay. Records are never
// modified after Enqueue.
type Record struct {
	// ID is assigned by the store and increases monotonically.
	ID      int64
	URL     string
	Method  string
	Headers []Header

	// Body is the JSON body, nil if the body was absent or not JSON.
	Body json.RawMessage

	// RawBody keeps a non JSON body verbatim when the store is configured
	// to do so. It is nil whenever Body is set.
	RawBody []byte

	Timestamp time.Time
}

// HTTPHeader converts the captured headers to an http.Header.
func (r *Record) HTTPHeader() http.Header {
	h := make(http.Header, len(r.Headers))
	for _, kv := range r.Headers {
		h.Add(kv.Name, kv.Value)
	}
	return h
}

// DeadRecord is a Record that failed permanently and will not be replayed.
type DeadRecord struct {
	Record
	BuriedAt time.Time
	Reason   string
}

// Store is a durable FIFO of Records. Every method runs in its own short
// transaction; implementations must be safe for concurrent use.
type Store interface {
	// Enqueue persists r and returns its new ID. r.ID is ignored.
	Enqueue(ctx context.Context, r *Record) (int64, error)

	// ListAll returns all pending records in ID order.
	ListAll(ctx context.Context) ([]*Record, error)

	// DeleteByID removes a pending record. Deleting a missing record is
	// not an error.
	DeleteByID(ctx context.Context, id int64) error

	// Count returns the number of pending records.
	Count(ctx context.Context) (int, error)

	// Bury atomically moves a pending record to the dead letter table.
	Bury(ctx context.Context, id int64, reason string) error

	// ListDead returns all buried records in ID order.
	ListDead(ctx context.Context) ([]*DeadRecord, error)

	// Clear removes all pending records and returns how many were removed.
	Clear(ctx context.Context) (int, error)

	io.Closer
}

// CaptureHeaders snapshots h in a stable order (sorted by canonical name,
// values in their original order).
func CaptureHeaders(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Header, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}
