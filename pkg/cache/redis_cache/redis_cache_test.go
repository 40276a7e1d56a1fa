package redis_cache

import (
	"net/http"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache-x/pkg/fetch"
)

func Test_packEntry(t *testing.T) {
	h := make(http.Header)
	h.Set("Content-Type", "text/css")
	b, err := packEntry(&fetch.Response{Status: 200, Header: h, Body: []byte("body{}")})
	require.NoError(t, err)

	r, err := unpackEntry(b)
	require.NoError(t, err)
	require.Equal(t, 200, r.Status)
	require.Equal(t, "text/css", r.Header.Get("Content-Type"))
	require.Equal(t, "body{}", string(r.Body))
}

func Test_unpackEntry_invalid(t *testing.T) {
	_, err := unpackEntry([]byte("not snappy"))
	require.Error(t, err)

	_, err = unpackEntry(snappy.Encode(nil, []byte(`{"b":"AA=="}`)))
	require.Error(t, err)
}

func Test_NewRedisCache_nilClient(t *testing.T) {
	_, err := NewRedisCache(RedisCacheOpts{})
	require.Error(t, err)
}
