// Package rewriter points every URL in an HLS playlist back at the proxy.
package rewriter

import (
	"net/url"
	"strings"
)

const uriAttr = `URI="`

// Context carries what a single rewrite pass needs.
type Context struct {
	// BaseURL is the URL the playlist was fetched from; relative entries resolve against it.
	BaseURL string
	// ProxyBase is the public proxy endpoint, e.g. https://edge.example/video-proxy.
	ProxyBase string
	Referer   string
	APIKey    string
}

// RewriteM3U8 rewrites segment, variant and URI="..." values so each one re-enters
// the proxy. Tags, comments and blank lines are left byte for byte, and line
// endings (LF or CRLF) are kept.
func RewriteM3U8(body string, c Context) string {
	base, _ := url.Parse(c.BaseURL)
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		content, eol := strings.TrimSuffix(line, "\r"), ""
		if len(content) != len(line) {
			eol = "\r"
		}
		trim := strings.TrimSpace(content)
		if trim == "" || strings.HasPrefix(trim, "#") {
			if strings.Contains(content, uriAttr) {
				content = rewriteURITags(content, base, c)
			}
			out = append(out, content+eol)
			continue
		}
		out = append(out, proxify(trim, base, c)+eol)
	}
	return strings.Join(out, "\n")
}

// Rewrite is RewriteM3U8 without an API key.
func Rewrite(body, baseURL, proxyBase, referer string) string {
	return RewriteM3U8(body, Context{BaseURL: baseURL, ProxyBase: proxyBase, Referer: referer})
}

// IsPlaylist reports whether text still looks like an HLS playlist.
func IsPlaylist(text string) bool {
	return strings.Contains(text, "#EXTM3U")
}

// ProxyURL builds the proxy URL for an absolute target.
func ProxyURL(target string, c Context) string {
	q := "url=" + url.QueryEscape(target) + "&type=video"
	if c.Referer != "" {
		q += "&referer=" + url.QueryEscape(c.Referer)
	}
	if c.APIKey != "" {
		q += "&apikey=" + url.QueryEscape(c.APIKey)
	}
	sep := "?"
	if strings.Contains(c.ProxyBase, "?") {
		sep = "&"
	}
	return c.ProxyBase + sep + q
}

func rewriteURITags(line string, base *url.URL, c Context) string {
	var b strings.Builder
	rest := line
	for {
		start := strings.Index(rest, uriAttr)
		if start == -1 {
			break
		}
		start += len(uriAttr)
		end := strings.IndexByte(rest[start:], '"')
		if end == -1 {
			break
		}
		b.WriteString(rest[:start])
		b.WriteString(proxify(rest[start:start+end], base, c))
		rest = rest[start+end:]
	}
	b.WriteString(rest)
	return b.String()
}

// proxify resolves ref against base and wraps it. Opaque schemes such as data:
// or skd: key URIs are not fetchable through the proxy and stay as they are.
func proxify(ref string, base *url.URL, c Context) string {
	if ref == "" {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return ref
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return ref
	}
	return ProxyURL(u.String(), c)
}
