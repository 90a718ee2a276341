package extract

import (
	"bytes"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/example/streamgate/services/scraper/internal/domain"
)

var (
	qualityPattern = regexp.MustCompile(`(?i)(?:^|[/_.\-=])(2160|1440|1080|720|480|360|240)p?(?:[/_.\-&]|$)`)
	anilistPattern = regexp.MustCompile(`anilist\.co/anime/(\d+)`)
	malPattern     = regexp.MustCompile(`myanimelist\.net/anime/(\d+)`)
)

// ProviderName is the registrable domain without its public suffix, so
// www.streamwish.to becomes streamwish. IPs and odd hosts come back unchanged.
func ProviderName(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	suffix, _ := publicsuffix.PublicSuffix(etld1)
	return strings.TrimSuffix(etld1, "."+suffix)
}

func providerOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return ProviderName(u.Host)
}

// Quality guesses a rendition label from the playlist URL path, e.g. 1080p.
func Quality(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if m := qualityPattern.FindStringSubmatch(u.Path); m != nil {
		return m[1] + "p"
	}
	return ""
}

// Subtitles collects <track> elements of kind subtitles or captions, resolving
// their src against pageURL.
func Subtitles(html []byte, pageURL string) []domain.SubtitleTrack {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(pageURL)
	var tracks []domain.SubtitleTrack
	doc.Find("track[src]").Each(func(_ int, s *goquery.Selection) {
		kind := strings.ToLower(s.AttrOr("kind", "subtitles"))
		if kind != "subtitles" && kind != "captions" {
			return
		}
		src := strings.TrimSpace(s.AttrOr("src", ""))
		ref, err := url.Parse(src)
		if src == "" || err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		tracks = append(tracks, domain.SubtitleTrack{
			LanguageCode: strings.TrimSpace(s.AttrOr("srclang", "und")),
			URL:          ref.String(),
			Label:        strings.TrimSpace(s.AttrOr("label", "")),
		})
	})
	return tracks
}

// ExternalIDs reads AniList and MyAnimeList ids from links or data attributes.
func ExternalIDs(html []byte) domain.ExternalIDs {
	var ids domain.ExternalIDs
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err == nil {
		ids.AnilistID = atoi(doc.Find("[data-anilist-id]").First().AttrOr("data-anilist-id", ""))
		ids.MalID = atoi(doc.Find("[data-mal-id]").First().AttrOr("data-mal-id", ""))
	}
	if ids.AnilistID == 0 {
		if m := anilistPattern.FindSubmatch(html); m != nil {
			ids.AnilistID = atoi(string(m[1]))
		}
	}
	if ids.MalID == 0 {
		if m := malPattern.FindSubmatch(html); m != nil {
			ids.MalID = atoi(string(m[1]))
		}
	}
	return ids
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
