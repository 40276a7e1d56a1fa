package queue

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pmkol/swcache-x/pkg/fetch"
)

// Capture builds a Record from a mutating request. The body is kept as JSON
// when it parses; otherwise it is dropped, or kept verbatim in RawBody when
// keepRaw is set.
func Capture(req *fetch.Request, keepRaw bool, now time.Time) *Record {
	r := &Record{
		URL:       req.URL.String(),
		Method:    req.Method,
		Headers:   CaptureHeaders(req.Header),
		Timestamp: now,
	}
	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 {
		return r
	}
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			r.Body = buf.Bytes()
			return r
		}
	}
	if keepRaw {
		r.RawBody = append([]byte(nil), req.Body...)
	}
	return r
}

// ReplayBody returns the body to send when replaying r.
func (r *Record) ReplayBody() []byte {
	if len(r.Body) > 0 {
		return r.Body
	}
	return r.RawBody
}
