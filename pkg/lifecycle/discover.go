package lifecycle

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/pmkol/swcache-x/pkg/classifier"
	"github.com/pmkol/swcache-x/pkg/utils"
)

var fontExts = map[string]struct{}{"woff": {}, "woff2": {}, "ttf": {}, "otf": {}, "eot": {}}

// cssFontURL matches url(...) references to font files in inline styles.
var cssFontURL = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+\.(?:woff2?|ttf|otf|eot)(?:\?[^'")\s]*)?)['"]?\s*\)`)

// discoverAssets scans markup for scripts, stylesheets and fonts and
// returns their same origin absolute urls, deduplicated, at most max.
func discoverAssets(markup []byte, base *url.URL, max int) []string {
	var refs []string
	z := html.NewTokenizer(bytes.NewReader(markup))
	inStyle := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return resolve(refs, base, max)
		case html.TextToken:
			if inStyle {
				for _, m := range cssFontURL.FindAllSubmatch(z.Text(), -1) {
					refs = append(refs, string(m[1]))
				}
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); atom.Lookup(name) == atom.Style {
				inStyle = false
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Style {
				inStyle = tt == html.StartTagToken
				continue
			}
			if !hasAttr || (a != atom.Script && a != atom.Link) {
				continue
			}
			attrs := readAttrs(z)
			switch a {
			case atom.Script:
				if src := attrs["src"]; len(src) > 0 {
					refs = append(refs, src)
				}
			case atom.Link:
				if href := attrs["href"]; len(href) > 0 && isAssetLink(attrs, href) {
					refs = append(refs, href)
				}
			}
		}
	}
}

func readAttrs(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string)
	for {
		k, v, more := z.TagAttr()
		attrs[string(k)] = string(v)
		if !more {
			return attrs
		}
	}
}

func isAssetLink(attrs map[string]string, href string) bool {
	for _, rel := range strings.Fields(strings.ToLower(attrs["rel"])) {
		switch rel {
		case "stylesheet", "modulepreload":
			return true
		case "preload":
			as := strings.ToLower(attrs["as"])
			return as == "font" || as == "style" || as == "script"
		}
	}
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	_, ok := fontExts[classifier.Ext(u.Path)]
	return ok
}

func resolve(refs []string, base *url.URL, max int) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := url.Parse(strings.TrimSpace(ref))
		if err != nil || u.Scheme == "data" {
			continue
		}
		u = base.ResolveReference(u)
		u.Fragment = ""
		if !utils.SameOrigin(u, base) {
			continue
		}
		out = append(out, u.String())
	}
	out = utils.Dedup(out)
	if len(out) > max {
		out = out[:max]
	}
	return out
}
