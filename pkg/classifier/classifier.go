package classifier

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/pmkol/swcache-x/pkg/utils"
)

// Strategy tells the worker how to serve a request.
type Strategy uint8

const (
	// Bypass requests are not intercepted. They go to the network as is.
	Bypass Strategy = iota
	CacheFirst
	CacheFirstLimited
	NetworkFirst
	StaleWhileRevalidate
	Mutation
)

var strategyNames = [...]string{
	Bypass:               "bypass",
	CacheFirst:           "cache-first",
	CacheFirstLimited:    "cache-first-limited",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
	Mutation:             "mutation",
}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", s)
}

// ParseStrategy parses a strategy name as returned by Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	for i, name := range strategyNames {
		if strings.EqualFold(s, name) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// Strategies lists every Strategy.
func Strategies() []Strategy {
	out := make([]Strategy, len(strategyNames))
	for i := range strategyNames {
		out[i] = Strategy(i)
	}
	return out
}

var (
	defaultAPIPrefix       = "/api/"
	defaultStaticFragments = []string{"/assets/", "/static/", "/_next/static/"}
	defaultStaticExts      = []string{"js", "mjs", "css", "woff", "woff2", "ttf", "otf", "eot"}
	defaultImageExts       = []string{"png", "jpg", "jpeg", "gif", "webp", "svg", "ico", "avif", "bmp"}
)

// IsMutationMethod reports whether method is one of POST, PUT and PATCH,
// in any case.
func IsMutationMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Rule overrides the default classification of same origin requests.
// If is a govaluate expression over the parameters method, path, ext,
// host and query. For example: "path =~ '^/admin' || ext == 'map'".
type Rule struct {
	If       string `yaml:"if"`
	Strategy string `yaml:"strategy"`
}

type Opts struct {
	// Origin is the page visible origin. Requests to another origin
	// are bypassed. Origin cannot be nil.
	Origin *url.URL

	// APIPrefix defaults to "/api/".
	APIPrefix string

	// StaticFragments are path fragments that mark a static asset.
	StaticFragments []string

	// StaticExts and ImageExts are file extensions without the dot.
	StaticExts []string
	ImageExts  []string

	Rules []Rule
}

func (opts *Opts) Init() error {
	if opts.Origin == nil {
		return fmt.Errorf("nil origin")
	}
	utils.SetDefaultString(&opts.APIPrefix, defaultAPIPrefix)
	if len(opts.StaticFragments) == 0 {
		opts.StaticFragments = defaultStaticFragments
	}
	if len(opts.StaticExts) == 0 {
		opts.StaticExts = defaultStaticExts
	}
	if len(opts.ImageExts) == 0 {
		opts.ImageExts = defaultImageExts
	}
	return nil
}

type rule struct {
	expr     *govaluate.EvaluableExpression
	strategy Strategy
}

// Classifier maps a request to exactly one Strategy. It has no side
// effects and is safe for concurrent use.
type Classifier struct {
	opts       Opts
	staticExts map[string]struct{}
	imageExts  map[string]struct{}
	rules      []rule
}

func New(opts Opts) (*Classifier, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	c := &Classifier{
		opts:       opts,
		staticExts: toSet(opts.StaticExts),
		imageExts:  toSet(opts.ImageExts),
	}
	for i, r := range opts.Rules {
		expr, err := govaluate.NewEvaluableExpression(r.If)
		if err != nil {
			return nil, fmt.Errorf("invalid expression of rule #%d: %w", i, err)
		}
		s, err := ParseStrategy(r.Strategy)
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i, err)
		}
		c.rules = append(c.rules, rule{expr: expr, strategy: s})
	}
	return c, nil
}

func toSet(exts []string) map[string]struct{} {
	m := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		m[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return m
}

// Ext returns the lower case file extension of p without the dot.
func Ext(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

// Classify returns the Strategy for a request. Rules, in priority order:
//  1. cross origin -> Bypass
//  2. override rules, first match wins
//  3. POST, PUT, PATCH -> Mutation
//  4. any other non GET -> Bypass
//  5. API prefix -> NetworkFirst
//  6. static fragment or static extension -> CacheFirst
//  7. image extension -> CacheFirstLimited
//  8. otherwise -> StaleWhileRevalidate
//
// method is case insensitive.
func (c *Classifier) Classify(method string, u *url.URL) Strategy {
	if !utils.SameOrigin(u, c.opts.Origin) {
		return Bypass
	}
	method = strings.ToUpper(method)
	p := u.Path
	if len(p) == 0 {
		p = "/"
	}
	ext := Ext(p)

	if s, ok := c.matchRule(method, p, ext, u); ok {
		return s
	}
	return c.classify(method, p, ext)
}

func (c *Classifier) classify(method, p, ext string) Strategy {
	if IsMutationMethod(method) {
		return Mutation
	}
	if method != http.MethodGet {
		return Bypass
	}
	if strings.HasPrefix(p, c.opts.APIPrefix) {
		return NetworkFirst
	}
	for _, f := range c.opts.StaticFragments {
		if strings.Contains(p, f) {
			return CacheFirst
		}
	}
	if _, ok := c.staticExts[ext]; ok {
		return CacheFirst
	}
	if _, ok := c.imageExts[ext]; ok {
		return CacheFirstLimited
	}
	return StaleWhileRevalidate
}

// matchRule evaluates the override rules. A rule result that does not fit
// the method (a caching strategy for a mutation, or Mutation for a read)
// is ignored, as is a rule whose expression fails to evaluate.
func (c *Classifier) matchRule(method, p, ext string, u *url.URL) (Strategy, bool) {
	if len(c.rules) == 0 {
		return 0, false
	}
	params := map[string]interface{}{
		"method": method,
		"path":   p,
		"ext":    ext,
		"host":   u.Host,
		"query":  u.RawQuery,
	}
	for _, r := range c.rules {
		v, err := r.expr.Evaluate(params)
		if err != nil {
			continue
		}
		if matched, _ := v.(bool); !matched {
			continue
		}
		if !fits(method, r.strategy) {
			continue
		}
		return r.strategy, true
	}
	return 0, false
}

func fits(method string, s Strategy) bool {
	switch {
	case s == Bypass:
		return true
	case IsMutationMethod(method):
		return s == Mutation
	case method == http.MethodGet:
		return s != Mutation
	default:
		return false
	}
}
