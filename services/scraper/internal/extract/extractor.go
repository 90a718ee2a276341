// Package extract turns an episode page into candidate stream sources.
package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/samber/mo"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/internal/platform/metrics"
	"github.com/example/streamgate/services/scraper/internal/challenge"
	"github.com/example/streamgate/services/scraper/internal/domain"
	"github.com/example/streamgate/services/scraper/internal/language"
)

const (
	DefaultWorkers    = 4
	maxRedirectHops   = 5
	providerPageLimit = 4 << 20
)

// Fetcher is the slice of fetch.Client the extractor needs.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error)
	ResolveRedirects(ctx context.Context, rawURL string, maxHops int) string
}

// Result is everything extracted from one episode page.
type Result struct {
	Sources     []domain.StreamSource
	Subtitles   []domain.SubtitleTrack
	ExternalIDs domain.ExternalIDs
}

type Extractor struct {
	Fetcher    Fetcher
	Strategies *Registry
	Workers    int
	UserAgent  string
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

type Option func(*Extractor)

func WithStrategies(r *Registry) Option {
	return func(e *Extractor) { e.Strategies = r }
}

func WithWorkers(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.Workers = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Extractor) { e.Log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.Metrics = m }
}

func New(f Fetcher, opts ...Option) *Extractor {
	e := &Extractor{
		Fetcher:    f,
		Strategies: NewRegistry(),
		Workers:    DefaultWorkers,
		Log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// providerResult is what one embed contributes.
type providerResult struct {
	sources   []domain.StreamSource
	subtitles []domain.SubtitleTrack
}

// Extract decodes the player payload of an episode page and resolves every embed
// in parallel. A missing or undecodable payload fails the whole extraction;
// failures of single embeds only degrade that embed.
func (e *Extractor) Extract(ctx context.Context, pageURL string, html []byte) (Result, error) {
	embeds, err := DecodePayload(html)
	if err != nil {
		return Result{}, err
	}

	results := make([]mo.Result[providerResult], len(embeds))
	p := pool.New().WithMaxGoroutines(e.Workers)
	for i, emb := range embeds {
		p.Go(func() {
			results[i] = mo.TupleToResult(e.resolveEmbed(ctx, pageURL, emb))
		})
	}
	p.Wait()

	out := Result{ExternalIDs: ExternalIDs(html)}
	for i, r := range results {
		pr, err := r.Get()
		if err != nil {
			e.Log.Info("embed degraded",
				zap.String("provider", providerOf(embeds[i].Link)),
				zap.Error(err))
			e.Metrics.Source("failed")
			out.Sources = append(out.Sources, deepSource(embeds[i].Link, embeds[i].Language))
			continue
		}
		out.Sources = append(out.Sources, pr.sources...)
		out.Subtitles = append(out.Subtitles, pr.subtitles...)
	}
	return out, nil
}

func (e *Extractor) resolveEmbed(ctx context.Context, pageURL string, emb Embed) (providerResult, error) {
	resolved := e.Fetcher.ResolveRedirects(ctx, emb.Link, maxRedirectHops)
	u, err := url.Parse(resolved)
	if err != nil || !u.IsAbs() {
		return providerResult{}, fmt.Errorf("embed link %q is not absolute", resolved)
	}

	header := http.Header{}
	header.Set("Referer", pageURL)
	header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	header.Set("Accept-Encoding", fetch.AcceptEncoding)
	if e.UserAgent != "" {
		header.Set("User-Agent", e.UserAgent)
	}
	resp, err := e.Fetcher.Get(ctx, resolved, header)
	if err != nil {
		return providerResult{}, fmt.Errorf("fetch provider page: %w", err)
	}
	status := resp.StatusCode
	body, err := fetch.ReadBody(resp, providerPageLimit)
	if err != nil {
		return providerResult{}, fmt.Errorf("read provider page: %w", err)
	}

	// challenge pages often come with 403 or 503, so look before judging the status
	if challenge.IsBotChallenge(body) {
		e.Metrics.Source("challenged")
		return providerResult{sources: []domain.StreamSource{deepSource(resolved, emb.Language)}}, nil
	}
	if fetch.Classify(status) != fetch.Success {
		return providerResult{}, &fetch.UpstreamError{URL: resolved, Status: status}
	}

	strategy := e.Strategies.For(u)
	playlists := strategy.FindPlaylists(body)
	if len(playlists) > MaxPlaylists {
		playlists = playlists[:MaxPlaylists]
	}
	if len(playlists) == 0 {
		e.Metrics.Source("deep")
		return providerResult{sources: []domain.StreamSource{deepSource(resolved, emb.Language)}}, nil
	}

	lang := language.Normalize(emb.Language)
	pr := providerResult{subtitles: Subtitles(body, resolved)}
	for _, pl := range playlists {
		e.Metrics.Source("playlist")
		pr.sources = append(pr.sources, domain.StreamSource{
			URL:          pl,
			IsPlaylist:   true,
			Quality:      Quality(pl),
			Language:     lang.Name,
			LanguageCode: lang.Code,
			IsDub:        lang.IsDub,
			ProviderName: ProviderName(u.Host),
		})
	}
	e.Log.Debug("embed resolved",
		zap.String("strategy", strategy.Name()),
		zap.String("provider", ProviderName(u.Host)),
		zap.Int("playlists", len(playlists)))
	return pr, nil
}

// deepSource flags a page that needs a heavier client step to play.
func deepSource(pageURL, rawLanguage string) domain.StreamSource {
	lang := language.Normalize(rawLanguage)
	return domain.StreamSource{
		URL:                 pageURL,
		Language:            lang.Name,
		LanguageCode:        lang.Code,
		IsDub:               lang.IsDub,
		ProviderName:        providerOf(pageURL),
		NeedsDeepResolution: true,
		IsEmbed:             true,
	}
}
