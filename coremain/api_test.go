package coremain

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAPIHandler_Allow(t *testing.T) {
	m := &Swcache{logger: zap.NewNop(), httpAPIMux: http.NewServeMux()}
	m.httpAPIMux.HandleFunc("/sw/status", func(w http.ResponseWriter, r *http.Request) {})
	m.httpAPIMux.HandleFunc(clientsPath, func(w http.ResponseWriter, r *http.Request) {})

	h, err := m.apiHandler([]string{"127.0.0.0/8", "::1", "10.1.2.3"})
	require.NoError(t, err)

	tests := []struct {
		remote string
		path   string
		want   int
	}{
		{"127.0.0.1:5000", "/sw/status", http.StatusOK},
		{"[::1]:5000", "/sw/status", http.StatusOK},
		{"[::ffff:10.1.2.3]:5000", "/sw/status", http.StatusOK},
		{"10.1.2.4:5000", "/sw/status", http.StatusForbidden},
		{"bad", "/sw/status", http.StatusForbidden},
		{"10.1.2.4:5000", clientsPath, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, "%s %s", tt.remote, tt.path)
	}

	_, err = m.apiHandler([]string{"not-an-ip"})
	assert.Error(t, err)

	h, err = m.apiHandler(nil)
	require.NoError(t, err)
	assert.Same(t, m.httpAPIMux, h)
}
