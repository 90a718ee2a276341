// Package resolver runs one episode resolution end to end: parse, rate limit,
// cache, fetch, extract, store.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/streamgate/internal/platform/analytics"
	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/internal/platform/metrics"
	"github.com/example/streamgate/services/scraper/internal/cache"
	"github.com/example/streamgate/services/scraper/internal/challenge"
	"github.com/example/streamgate/services/scraper/internal/domain"
	"github.com/example/streamgate/services/scraper/internal/extract"
	"github.com/example/streamgate/services/scraper/internal/language"
	"github.com/example/streamgate/services/scraper/internal/locator"
)

// Stage names a step of the resolution pipeline.
type Stage string

const (
	StageParseLocator     Stage = "parse_locator"
	StageRateLimit        Stage = "rate_limit"
	StageCacheLookup      Stage = "cache_lookup"
	StageFetchEpisodePage Stage = "fetch_episode_page"
	StageExtractSources   Stage = "extract_sources"
	StageCacheStore       Stage = "cache_store"
	StageRespond          Stage = "respond"
)

var (
	ErrInvalidLocator = errors.New("invalid or missing episode locator")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// StageError records where resolution stopped.
type StageError struct {
	Stage Stage
	Err   error
	// RetryAfter is set for rate limit rejections.
	RetryAfter time.Duration
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PageFetcher loads the episode page.
type PageFetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error)
}

type SourceExtractor interface {
	Extract(ctx context.Context, pageURL string, html []byte) (extract.Result, error)
}

type Limiter interface {
	Reserve(key string) (bool, time.Duration)
}

type Config struct {
	SiteBaseURL string
	CacheTTL    time.Duration
	UserAgent   string
}

type Resolver struct {
	Site      PageFetcher
	Extractor SourceExtractor
	Cache     cache.Store
	Limiter   Limiter
	Cfg       Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Analytics *analytics.Publisher
}

type Option func(*Resolver)

func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.Log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.Metrics = m }
}

func WithAnalytics(p *analytics.Publisher) Option {
	return func(r *Resolver) { r.Analytics = p }
}

func New(site PageFetcher, ex SourceExtractor, store cache.Store, limiter Limiter, cfg Config, opts ...Option) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = fetch.DefaultUserAgent
	}
	cfg.SiteBaseURL = strings.TrimRight(cfg.SiteBaseURL, "/")
	r := &Resolver{
		Site:      site,
		Extractor: ex,
		Cache:     store,
		Limiter:   limiter,
		Cfg:       cfg,
		Log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Outcome is a resolved bundle plus how it was obtained.
type Outcome struct {
	Locator locator.Locator
	Bundle  domain.StreamBundle
	Cached  bool
}

// Resolve turns input (a slug or an episode URL) into a stream bundle. clientKey
// is the rate limit key; empty skips the limiter, as for local CLI use.
// Errors are *StageError values.
func (r *Resolver) Resolve(ctx context.Context, clientKey, input string) (Outcome, error) {
	loc, ok := locator.Parse(input, r.Cfg.SiteBaseURL)
	if !ok {
		return Outcome{}, &StageError{Stage: StageParseLocator, Err: ErrInvalidLocator}
	}

	if clientKey != "" && r.Limiter != nil {
		if allowed, retryAfter := r.Limiter.Reserve(clientKey); !allowed {
			r.Metrics.RateLimited()
			return Outcome{}, &StageError{Stage: StageRateLimit, Err: ErrRateLimited, RetryAfter: retryAfter}
		}
	}

	if r.Cache != nil {
		b, hit := r.Cache.Get(ctx, loc.Slug)
		r.Metrics.CacheLookup(hit)
		if hit {
			return Outcome{Locator: loc, Bundle: b, Cached: true}, nil
		}
	}

	html, err := r.fetchEpisodePage(ctx, loc)
	if err != nil {
		return Outcome{}, &StageError{Stage: StageFetchEpisodePage, Err: err}
	}

	if challenge.IsBotChallenge(html) {
		// nothing to extract yet; hand the page to the client and do not cache
		r.Log.Info("episode page challenged", zap.String("slug", loc.Slug))
		b := r.newBundle(extract.Result{Sources: []domain.StreamSource{r.challengedPage(loc)}})
		r.publish(analytics.SubjectScraperDegraded, "scraper_challenged", loc, b)
		return Outcome{Locator: loc, Bundle: b}, nil
	}

	res, err := r.Extractor.Extract(ctx, loc.CanonicalURL, html)
	if err != nil {
		return Outcome{}, &StageError{Stage: StageExtractSources, Err: err}
	}
	b := r.newBundle(res)

	if r.Cache != nil {
		if err := r.Cache.Put(ctx, loc.Slug, b, r.Cfg.CacheTTL); err != nil {
			r.Log.Warn("cache store failed", zap.String("slug", loc.Slug), zap.Error(err))
		}
	}

	if playable(b) {
		r.publish(analytics.SubjectScraperResolved, "scraper_resolved", loc, b)
	} else {
		r.publish(analytics.SubjectScraperDegraded, "scraper_degraded", loc, b)
	}
	return Outcome{Locator: loc, Bundle: b}, nil
}

func (r *Resolver) fetchEpisodePage(ctx context.Context, loc locator.Locator) ([]byte, error) {
	header := http.Header{}
	header.Set("User-Agent", r.Cfg.UserAgent)
	header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	header.Set("Accept-Language", "en-US,en;q=0.9,es;q=0.8")
	header.Set("Accept-Encoding", fetch.AcceptEncoding)
	header.Set("Referer", r.Cfg.SiteBaseURL+"/")

	resp, err := r.Site.Get(ctx, loc.CanonicalURL, header)
	if err != nil {
		return nil, err
	}
	status := resp.StatusCode
	body, err := fetch.ReadBody(resp, fetch.DefaultBodyLimit)
	if err != nil {
		return nil, fmt.Errorf("read episode page: %w", err)
	}
	if fetch.Classify(status) != fetch.Success && !challenge.IsBotChallenge(body) {
		return nil, &fetch.UpstreamError{URL: loc.CanonicalURL, Status: status}
	}
	return body, nil
}

func (r *Resolver) newBundle(res extract.Result) domain.StreamBundle {
	b := domain.StreamBundle{
		ForwardHeaders: domain.ForwardHeaders{
			Referer:   r.Cfg.SiteBaseURL + "/",
			UserAgent: r.Cfg.UserAgent,
		},
		Sources:     res.Sources,
		Subtitles:   res.Subtitles,
		ExternalIDs: res.ExternalIDs,
	}
	if b.Sources == nil {
		b.Sources = []domain.StreamSource{}
	}
	if b.Subtitles == nil {
		b.Subtitles = []domain.SubtitleTrack{}
	}
	return b
}

func (r *Resolver) challengedPage(loc locator.Locator) domain.StreamSource {
	und := language.Normalize("Unknown")
	return domain.StreamSource{
		URL:                 loc.CanonicalURL,
		Language:            und.Name,
		LanguageCode:        und.Code,
		IsDub:               und.IsDub,
		ProviderName:        extract.ProviderName(hostOf(r.Cfg.SiteBaseURL)),
		NeedsDeepResolution: true,
	}
}

func (r *Resolver) publish(subject, event string, loc locator.Locator, b domain.StreamBundle) {
	deep := 0
	for _, s := range b.Sources {
		if s.NeedsDeepResolution {
			deep++
		}
	}
	r.Analytics.Publish(subject, event, map[string]any{
		"slug":      loc.Slug,
		"series":    loc.SeriesSlug,
		"season":    loc.Season,
		"episode":   loc.Episode,
		"sources":   len(b.Sources),
		"deep":      deep,
		"subtitles": len(b.Subtitles),
	})
}

func playable(b domain.StreamBundle) bool {
	for _, s := range b.Sources {
		if !s.NeedsDeepResolution {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
