package extract

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
)

var (
	// ErrNoPayload means the episode page carries no embedded player payload.
	ErrNoPayload = errors.New("no player payload on page")
	// ErrBadPayload means a payload was found but did not decode to any embed.
	ErrBadPayload = errors.New("player payload could not be decoded")
)

// Embed is one {language, link} tuple from the player payload.
type Embed struct {
	Language string
	Link     string
}

// payloadSelectors are tried before the regex fallbacks.
var payloadSelectors = []struct {
	selector, attr string
}{
	{"iframe[data-src]", "data-src"},
	{"[data-payload]", "data-payload"},
	{"[data-player]", "data-player"},
}

// payloadPatterns find base64 blobs the DOM pass misses, such as ones built in scripts.
var payloadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`data-(?:src|payload|player)\s*=\s*["']([A-Za-z0-9+/_=-]{16,})["']`),
	regexp.MustCompile(`atob\(\s*["']([A-Za-z0-9+/_=-]{16,})["']\s*\)`),
	regexp.MustCompile(`(?:payload|player|embeds)\s*[:=]\s*["']([A-Za-z0-9+/_=-]{16,})["']`),
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

// rawEmbed tolerates the key spellings seen across sites.
type rawEmbed struct {
	Language string `json:"language"`
	Lang     string `json:"lang"`
	Link     string `json:"link"`
	URL      string `json:"url"`
}

// DecodePayload locates the base64 player payload on an episode page and decodes
// it into embeds. Candidates are tried in document order; the first that decodes
// to at least one embed wins.
func DecodePayload(html []byte) ([]Embed, error) {
	var candidates []string
	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html)); err == nil {
		for _, ps := range payloadSelectors {
			doc.Find(ps.selector).Each(func(_ int, s *goquery.Selection) {
				if v, ok := s.Attr(ps.attr); ok {
					candidates = append(candidates, strings.TrimSpace(v))
				}
			})
		}
	}
	for _, re := range payloadPatterns {
		for _, m := range re.FindAllSubmatch(html, -1) {
			candidates = append(candidates, string(m[1]))
		}
	}
	candidates = lo.Uniq(lo.Compact(candidates))
	if len(candidates) == 0 {
		return nil, ErrNoPayload
	}
	for _, c := range candidates {
		if embeds, ok := decodeCandidate(c); ok {
			return embeds, nil
		}
	}
	return nil, ErrBadPayload
}

func decodeCandidate(s string) ([]Embed, bool) {
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		var raw []rawEmbed
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		embeds := lo.FilterMap(raw, func(r rawEmbed, _ int) (Embed, bool) {
			e := Embed{
				Language: lo.CoalesceOrEmpty(strings.TrimSpace(r.Language), strings.TrimSpace(r.Lang)),
				Link:     lo.CoalesceOrEmpty(strings.TrimSpace(r.Link), strings.TrimSpace(r.URL)),
			}
			return e, e.Link != ""
		})
		if len(embeds) > 0 {
			return embeds, true
		}
	}
	return nil, false
}
