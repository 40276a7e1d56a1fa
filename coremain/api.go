package coremain

import (
	"fmt"
	"net/http"
	"net/netip"

	"go.uber.org/zap"
	"go4.org/netipx"
)

// clientsPath is the page channel. Pages connect from anywhere, so it is
// not subject to the allow list.
const clientsPath = "/sw/clients"

type allowList struct {
	set    *netipx.IPSet
	next   http.Handler
	logger *zap.Logger
}

func newIPSet(allow []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, s := range allow {
		if p, err := netip.ParsePrefix(s); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allow entry %q", s)
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}

// apiHandler returns the api mux, limited to callers in allow if it is
// not empty.
func (m *Swcache) apiHandler(allow []string) (http.Handler, error) {
	if len(allow) == 0 {
		return m.httpAPIMux, nil
	}
	set, err := newIPSet(allow)
	if err != nil {
		return nil, err
	}
	return &allowList{set: set, next: m.httpAPIMux, logger: m.logger}, nil
}

func (a *allowList) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == clientsPath {
		a.next.ServeHTTP(w, r)
		return
	}
	addr, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil || !a.set.Contains(addr.Addr().Unmap()) {
		a.logger.Warn("api request denied", zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	a.next.ServeHTTP(w, r)
}
