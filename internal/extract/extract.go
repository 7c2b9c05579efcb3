package extract

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

func Apex(host string) string {
	h := strings.ToLower(host)
	if e, err := publicsuffix.EffectiveTLDPlusOne(h); err == nil {
		return e
	}
	return h
}

// HostOf returns the lowercased host of an absolute URL, or "".
func HostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Text returns the visible text of an HTML fragment with entities decoded and
// whitespace collapsed. Script and style bodies are dropped.
func Text(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if hidden(z) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if hidden(z) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func hidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "noscript":
		return true
	}
	return false
}

// Truncate cuts s to at most n runes, preferring a word boundary.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// ParseLinks collects href/src targets, resolving them against base when it is set.
func ParseLinks(base *url.URL, body io.Reader) ([]string, error) {
	z := html.NewTokenizer(body)
	var out []string
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				return out, nil
			}
			return out, z.Err()
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		t := z.Token()
		attr := ""
		switch strings.ToLower(t.Data) {
		case "a", "link":
			attr = "href"
		case "script", "img", "iframe", "source":
			attr = "src"
		default:
			continue
		}
		for _, a := range t.Attr {
			if !strings.EqualFold(a.Key, attr) {
				continue
			}
			u, err := url.Parse(strings.TrimSpace(a.Val))
			if err != nil {
				continue
			}
			if base != nil {
				u = base.ResolveReference(u)
			}
			out = append(out, u.String())
		}
	}
}

// ExternalDomains returns the distinct hosts in urls whose apex differs from baseHost's.
func ExternalDomains(baseHost string, urls []string) []string {
	baseApex := Apex(baseHost)
	seen := make(map[string]struct{})
	var out []string
	for _, s := range urls {
		u, err := url.Parse(s)
		if err != nil {
			continue
		}
		h := strings.ToLower(u.Hostname())
		if h == "" || Apex(h) == baseApex {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
