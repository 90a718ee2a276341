package fetch

import (
	"context"
	"net/http"
	"net/url"
)

// DefaultMaxHops caps redirect following when the caller passes zero.
const DefaultMaxHops = 5

// ResolveRedirects follows Location headers hop by hop with HEAD requests and
// returns the last URL reached. It never fails: any error ends the walk at the
// current URL. A Location that was already visited also ends it.
func (c *Client) ResolveRedirects(ctx context.Context, rawURL string, maxHops int) string {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	current := rawURL
	seen := map[string]struct{}{current: {}}
	for hop := 0; hop < maxHops; hop++ {
		next, ok := c.nextHop(ctx, current)
		if !ok {
			return current
		}
		if _, visited := seen[next]; visited {
			c.Log.Debug("redirect loop")
			return current
		}
		seen[next] = struct{}{}
		current = next
	}
	return current
}

func (c *Client) nextHop(ctx context.Context, current string) (string, bool) {
	base, err := url.Parse(current)
	if err != nil {
		return "", false
	}
	actx, cancel := context.WithTimeout(ctx, c.Config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodHead, current, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", c.Config.UserAgent)

	hc := &http.Client{
		Transport: c.HTTPClient.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", false
	}
	resp.Body.Close()
	c.Metrics.UpstreamAttempt(base.Hostname(), "redirect_probe")

	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return "", false
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", false
	}
	next, err := base.Parse(loc)
	if err != nil {
		return "", false
	}
	return next.String(), true
}
