package worker

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/background_sync"
)

const maxPushPayload = 64 * 1024

// RegisterAPI mounts the admin endpoints on mux.
func (w *Worker) RegisterAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /sw/push", w.handlePush)
	mux.HandleFunc("POST /sw/sync", w.handleSync)
	mux.HandleFunc("GET /sw/status", w.handleStatus)
}

func (w *Worker) handlePush(rw http.ResponseWriter, req *http.Request) {
	b, err := io.ReadAll(io.LimitReader(req.Body, maxPushPayload))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte(err.Error()))
		return
	}
	w.writeJSON(rw, w.Push(b))
}

func (w *Worker) handleSync(rw http.ResponseWriter, req *http.Request) {
	tag := req.URL.Query().Get("tag")
	if len(tag) == 0 {
		tag = background_sync.Tag
	}
	res, ok := w.Sync(req.Context(), tag)
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		rw.Write([]byte("unknown sync tag"))
		return
	}
	w.writeJSON(rw, res)
}

func (w *Worker) handleStatus(rw http.ResponseWriter, req *http.Request) {
	w.writeJSON(rw, w.Status(req.Context()))
}

func (w *Worker) writeJSON(rw http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("failed to marshal api response", zap.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(b)
}
