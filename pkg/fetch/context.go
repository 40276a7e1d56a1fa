package fetch

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Context is the per fetch event state that passes through the worker.
type Context struct {
	startTime time.Time
	req       *Request
	id        uint32
	clientID  string
	strategy  string
}

var contextUid uint32

// NewContext creates a new fetch event Context.
func NewContext(req *Request, clientID string) *Context {
	if req == nil {
		panic("fetch: request is nil")
	}
	return &Context{
		startTime: time.Now(),
		req:       req,
		id:        atomic.AddUint32(&contextUid, 1),
		clientID:  clientID,
	}
}

// String returns a short summary of its request.
func (ctx *Context) String() string {
	return fmt.Sprintf("%s %s %d", ctx.req.Method, ctx.req.URL.RequestURI(), ctx.id)
}

// R returns the request. It always returns a non-nil request.
func (ctx *Context) R() *Request {
	return ctx.req
}

func (ctx *Context) Id() uint32 {
	return ctx.id
}

func (ctx *Context) ClientID() string {
	return ctx.clientID
}

func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// SetStrategy records the strategy name chosen for this event.
func (ctx *Context) SetStrategy(s string) {
	ctx.strategy = s
}

func (ctx *Context) Strategy() string {
	return ctx.strategy
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("fetch", ctx)
}
