package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache-x/pkg/queue"
	"github.com/pmkol/swcache-x/pkg/queue/mem_queue"
	"github.com/pmkol/swcache-x/pkg/queue/sqlite_queue"
)

func record(url, body string) *queue.Record {
	r := &queue.Record{
		URL:       url,
		Method:    http.MethodPost,
		Headers:   []queue.Header{{Name: "Content-Type", Value: "application/json"}, {Name: "X-Trace", Value: "1"}},
		Timestamp: time.UnixMilli(1700000000000),
	}
	if body != "" {
		r.Body = json.RawMessage(body)
	}
	return r
}

func testStore(t *testing.T, s queue.Store) {
	ctx := context.Background()

	idA, err := s.Enqueue(ctx, record("https://shop.example.com/api/orders", `{"n":1}`))
	require.NoError(t, err)
	idB, err := s.Enqueue(ctx, record("https://shop.example.com/api/orders", `{"n":2}`))
	require.NoError(t, err)
	rawRec := record("https://shop.example.com/api/upload", "")
	rawRec.RawBody = []byte("a=1&b=2")
	idC, err := s.Enqueue(ctx, rawRec)
	require.NoError(t, err)
	require.Less(t, idA, idB)
	require.Less(t, idB, idC)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []int64{idA, idB, idC}, []int64{all[0].ID, all[1].ID, all[2].ID})
	require.JSONEq(t, `{"n":1}`, string(all[0].Body))
	require.Nil(t, all[0].RawBody)
	require.Equal(t, "a=1&b=2", string(all[2].RawBody))
	require.Nil(t, all[2].Body)
	require.Equal(t, []queue.Header{{Name: "Content-Type", Value: "application/json"}, {Name: "X-Trace", Value: "1"}}, all[1].Headers)
	require.Equal(t, int64(1700000000000), all[1].Timestamp.UnixMilli())

	require.NoError(t, s.DeleteByID(ctx, idA))
	require.NoError(t, s.DeleteByID(ctx, idA), "deleting twice is not an error")

	require.NoError(t, s.Bury(ctx, idB, "http 400"))
	require.ErrorIs(t, s.Bury(ctx, idB, "again"), queue.ErrNotFound)
	dead, err := s.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, idB, dead[0].ID)
	require.Equal(t, "http 400", dead[0].Reason)

	all, err = s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, idC, all[0].ID)

	// IDs are not reused after deletion.
	idD, err := s.Enqueue(ctx, record("https://shop.example.com/api/cart", `[]`))
	require.NoError(t, err)
	require.Greater(t, idD, idC)

	cleared, err := s.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, cleared)
	n, err = s.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSqliteStore(t *testing.T) {
	s, err := sqlite_queue.Open(context.Background(), filepath.Join(t.TempDir(), "data", "queue.db"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestMemStore(t *testing.T) {
	testStore(t, mem_queue.New())
}

func TestSqliteStore_persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := sqlite_queue.Open(ctx, path)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, record("https://shop.example.com/api/orders", `{"sku":"w-1"}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite_queue.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, id, all[0].ID)
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	opens := 0
	fail := true
	m := queue.NewManager(func(context.Context) (queue.Store, error) {
		opens++
		if fail {
			return nil, errors.New("disk unavailable")
		}
		return mem_queue.New(), nil
	}, nil)

	_, err := m.Acquire(ctx)
	require.Error(t, err)

	fail = false
	s1, err := m.Acquire(ctx)
	require.NoError(t, err)
	s2, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 2, opens)

	require.NoError(t, m.With(ctx, func(s queue.Store) error {
		_, err := s.Enqueue(ctx, record("https://shop.example.com/api/x", ""))
		return err
	}))

	require.NoError(t, m.Close())
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, queue.ErrStoreClosed)
}
