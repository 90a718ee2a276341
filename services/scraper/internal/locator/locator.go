// Package locator parses episode identifiers of the form <series>-<season>x<episode>.
package locator

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	slugPattern    = regexp.MustCompile(`^(.+)-(\d+)x(\d+)$`)
	episodePattern = regexp.MustCompile(`/episode/([^/?#]+)(?:/|$)`)
)

type Locator struct {
	Slug         string `json:"slug"`
	SeriesSlug   string `json:"seriesSlug"`
	Season       int    `json:"season"`
	Episode      int    `json:"episode"`
	CanonicalURL string `json:"canonicalUrl"`
}

// Parse accepts either a bare slug or an absolute URL containing /episode/<slug>/.
// The second result is false for anything malformed.
func Parse(input, siteBase string) (Locator, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Locator{}, false
	}
	slug := input
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil || u.Host == "" {
			return Locator{}, false
		}
		m := episodePattern.FindStringSubmatch(u.EscapedPath())
		if m == nil {
			return Locator{}, false
		}
		if slug, err = url.PathUnescape(m[1]); err != nil {
			return Locator{}, false
		}
	}

	m := slugPattern.FindStringSubmatch(slug)
	if m == nil {
		return Locator{}, false
	}
	season, err := strconv.Atoi(m[2])
	if err != nil || season <= 0 {
		return Locator{}, false
	}
	episode, err := strconv.Atoi(m[3])
	if err != nil || episode <= 0 {
		return Locator{}, false
	}
	return Locator{
		Slug:         slug,
		SeriesSlug:   m[1],
		Season:       season,
		Episode:      episode,
		CanonicalURL: strings.TrimRight(siteBase, "/") + "/episode/" + url.PathEscape(slug) + "/",
	}, true
}

// Format builds the slug for a series, season and episode.
func Format(series string, season, episode int) string {
	return series + "-" + strconv.Itoa(season) + "x" + strconv.Itoa(episode)
}
