package fetch

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const (
	// CacheMarkerHeader is set on responses served from the API cache
	// after a network failure.
	CacheMarkerHeader = "X-SW-Cache"
	CacheMarkerValue  = "HIT"

	offlineText = "Offline"
)

// OfflinePayload is the body of synthetic JSON responses.
type OfflinePayload struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Cached    *bool  `json:"cached,omitempty"`
	Queued    *bool  `json:"queued,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newResponse(status int, contentType string, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{Status: status, Header: h, Body: body}
}

// OfflineText returns the plain text 503 used when nothing can be served.
func OfflineText() *Response {
	return newResponse(http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte(offlineText))
}

// OfflineImage returns an empty svg 503 so that broken images degrade quietly.
func OfflineImage() *Response {
	return newResponse(http.StatusServiceUnavailable, "image/svg+xml", nil)
}

// OfflineJSON returns the 503 API payload for a request with no cached copy.
func OfflineJSON(now time.Time) *Response {
	f := false
	return jsonResponse(http.StatusServiceUnavailable, OfflinePayload{
		Error:     "offline",
		Message:   "You are offline and this data is not cached.",
		Cached:    &f,
		Timestamp: now.UnixMilli(),
	})
}

// Queued returns the 202 reply for a mutation that was accepted for later delivery.
func Queued(now time.Time) *Response {
	t := true
	return jsonResponse(http.StatusAccepted, OfflinePayload{
		Error:     "offline",
		Message:   "Request queued and will be sent when you are back online.",
		Queued:    &t,
		Timestamp: now.UnixMilli(),
	})
}

// JSON returns a 200 JSON response of v.
func JSON(v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return newResponse(http.StatusOK, "application/json", b), nil
}

func jsonResponse(status int, v any) *Response {
	b, _ := json.Marshal(v)
	return newResponse(status, "application/json", b)
}

// MarkCached returns a copy of r carrying the cache marker header.
func MarkCached(r *Response) *Response {
	c := r.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Header.Set(CacheMarkerHeader, CacheMarkerValue)
	return c
}
