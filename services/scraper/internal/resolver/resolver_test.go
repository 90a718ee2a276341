package resolver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/example/streamgate/internal/platform/analytics"
	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/services/scraper/internal/cache"
	"github.com/example/streamgate/services/scraper/internal/domain"
	"github.com/example/streamgate/services/scraper/internal/extract"
	"github.com/example/streamgate/services/scraper/internal/ratelimit"
)

const site = "https://site.example"

type stubSite struct {
	mu     sync.Mutex
	status int
	body   string
	err    error
	calls  []string
}

func (s *stubSite) Get(_ context.Context, rawURL string, _ http.Header) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rawURL)
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

type stubExtractor struct {
	res   extract.Result
	err   error
	pages []string
}

func (e *stubExtractor) Extract(_ context.Context, pageURL string, _ []byte) (extract.Result, error) {
	e.pages = append(e.pages, pageURL)
	return e.res, e.err
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (domain.StreamBundle, bool) {
	return domain.StreamBundle{}, false
}

func (failingStore) Put(context.Context, string, domain.StreamBundle, time.Duration) error {
	return errors.New("redis down")
}

type recordingSink struct {
	mu       sync.Mutex
	subjects []string
}

func (s *recordingSink) Publish(subject string, _ []byte) error {
	s.mu.Lock()
	s.subjects = append(s.subjects, subject)
	s.mu.Unlock()
	return nil
}

func playableResult() extract.Result {
	return extract.Result{Sources: []domain.StreamSource{{URL: "https://cdn.example/master.m3u8", IsPlaylist: true}}}
}

func newTestResolver(t *testing.T, s *stubSite, ex *stubExtractor, store cache.Store, sink *recordingSink) *Resolver {
	t.Helper()
	opts := []Option{WithLogger(zaptest.NewLogger(t))}
	if sink != nil {
		opts = append(opts, WithAnalytics(analytics.New(sink, nil)))
	}
	return New(s, ex, store, ratelimit.New(30, time.Minute), Config{SiteBaseURL: site + "/", UserAgent: "ua-test"}, opts...)
}

func stageOf(t *testing.T, err error) *StageError {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StageError, got %T %v", err, err)
	}
	return se
}

func TestResolve_FreshThenCached(t *testing.T) {
	s := &stubSite{status: 200, body: "<html>episode</html>"}
	ex := &stubExtractor{res: playableResult()}
	sink := &recordingSink{}
	r := newTestResolver(t, s, ex, cache.NewMemory(), sink)

	out, err := r.Resolve(context.Background(), "1.2.3.4", "https://site.example/episode/show-1x2/")
	if err != nil {
		t.Fatal(err)
	}
	if out.Cached {
		t.Fatal("first resolution cannot be cached")
	}
	if out.Bundle.ForwardHeaders.Referer != site+"/" || out.Bundle.ForwardHeaders.UserAgent != "ua-test" {
		t.Fatalf("unexpected forward headers %+v", out.Bundle.ForwardHeaders)
	}
	if out.Bundle.Subtitles == nil {
		t.Fatal("subtitles should encode as an empty list")
	}
	if len(s.calls) != 1 || s.calls[0] != site+"/episode/show-1x2/" {
		t.Fatalf("unexpected page fetches %v", s.calls)
	}

	again, err := r.Resolve(context.Background(), "1.2.3.4", "show-1x2")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached {
		t.Fatal("second resolution should hit the cache")
	}
	if len(s.calls) != 1 || len(ex.pages) != 1 {
		t.Fatal("cache hit must skip fetch and extraction")
	}
	if len(sink.subjects) != 1 || sink.subjects[0] != analytics.SubjectScraperResolved {
		t.Fatalf("expected one resolved event, got %v", sink.subjects)
	}
}

func TestResolve_InvalidLocator(t *testing.T) {
	r := newTestResolver(t, &stubSite{}, &stubExtractor{}, cache.NewMemory(), nil)
	_, err := r.Resolve(context.Background(), "k", "not-a-locator")
	se := stageOf(t, err)
	if se.Stage != StageParseLocator || !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestResolve_RateLimited(t *testing.T) {
	s := &stubSite{status: 200, body: "<html></html>"}
	r := New(s, &stubExtractor{res: playableResult()}, nil, ratelimit.New(1, time.Minute), Config{SiteBaseURL: site})

	if _, err := r.Resolve(context.Background(), "9.9.9.9", "show-1x1"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Resolve(context.Background(), "9.9.9.9", "show-1x1")
	se := stageOf(t, err)
	if se.Stage != StageRateLimit || !errors.Is(err, ErrRateLimited) || se.RetryAfter <= 0 {
		t.Fatalf("unexpected error %+v", se)
	}

	if _, err := r.Resolve(context.Background(), "", "show-1x1"); err != nil {
		t.Fatalf("empty client key should bypass the limiter: %v", err)
	}
}

func TestResolve_PageFetchFailure(t *testing.T) {
	s := &stubSite{err: &fetch.UpstreamError{URL: site, Status: 502}}
	r := newTestResolver(t, s, &stubExtractor{}, cache.NewMemory(), nil)
	_, err := r.Resolve(context.Background(), "k", "show-1x1")
	if se := stageOf(t, err); se.Stage != StageFetchEpisodePage {
		t.Fatalf("unexpected stage %s", se.Stage)
	}
}

func TestResolve_PageNotFound(t *testing.T) {
	s := &stubSite{status: 404, body: "gone"}
	ex := &stubExtractor{}
	r := newTestResolver(t, s, ex, cache.NewMemory(), nil)
	_, err := r.Resolve(context.Background(), "k", "show-1x1")
	if se := stageOf(t, err); se.Stage != StageFetchEpisodePage || fetch.StatusOf(err) != 404 {
		t.Fatalf("unexpected error %v", err)
	}
	if len(ex.pages) != 0 {
		t.Fatal("extractor must not run on a failed page")
	}
}

func TestResolve_ExtractFailure(t *testing.T) {
	s := &stubSite{status: 200, body: "<html></html>"}
	r := newTestResolver(t, s, &stubExtractor{err: extract.ErrNoPayload}, cache.NewMemory(), nil)
	_, err := r.Resolve(context.Background(), "k", "show-1x1")
	if se := stageOf(t, err); se.Stage != StageExtractSources || !errors.Is(err, extract.ErrNoPayload) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestResolve_CacheStoreFailureIsNotFatal(t *testing.T) {
	s := &stubSite{status: 200, body: "<html></html>"}
	r := newTestResolver(t, s, &stubExtractor{res: playableResult()}, failingStore{}, nil)
	out, err := r.Resolve(context.Background(), "k", "show-1x1")
	if err != nil {
		t.Fatalf("store failure should only be logged: %v", err)
	}
	if len(out.Bundle.Sources) != 1 {
		t.Fatalf("unexpected bundle %+v", out.Bundle)
	}
}

func TestResolve_ChallengedEpisodePageDegrades(t *testing.T) {
	s := &stubSite{status: 403, body: "<title>Just a moment...</title>"}
	ex := &stubExtractor{}
	sink := &recordingSink{}
	store := cache.NewMemory()
	r := newTestResolver(t, s, ex, store, sink)

	out, err := r.Resolve(context.Background(), "k", "show-1x1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Bundle.Sources) != 1 || !out.Bundle.Sources[0].NeedsDeepResolution {
		t.Fatalf("expected a single deep source, got %+v", out.Bundle.Sources)
	}
	if out.Bundle.Sources[0].URL != site+"/episode/show-1x1/" {
		t.Fatalf("deep source should point at the episode page: %s", out.Bundle.Sources[0].URL)
	}
	if store.Len() != 0 {
		t.Fatal("challenged results must not be cached")
	}
	if len(ex.pages) != 0 {
		t.Fatal("extractor must not run on a challenge page")
	}
	if len(sink.subjects) != 1 || sink.subjects[0] != analytics.SubjectScraperDegraded {
		t.Fatalf("expected a degraded event, got %v", sink.subjects)
	}
}

func TestResolve_CaptchaWidgetDoesNotSkipExtraction(t *testing.T) {
	s := &stubSite{status: 200, body: `<html><iframe data-src="abc"></iframe>
<form class="comments"><div class="g-recaptcha" data-sitekey="k"></div></form></html>`}
	ex := &stubExtractor{res: playableResult()}
	store := cache.NewMemory()
	r := newTestResolver(t, s, ex, store, nil)

	out, err := r.Resolve(context.Background(), "", "show-1x3")
	if err != nil {
		t.Fatal(err)
	}
	if len(ex.pages) != 1 {
		t.Fatalf("expected extraction to run, got %d calls", len(ex.pages))
	}
	if len(out.Bundle.Sources) != 1 || out.Bundle.Sources[0].NeedsDeepResolution {
		t.Fatalf("expected the extracted playlist, got %+v", out.Bundle.Sources)
	}
	if store.Len() != 1 {
		t.Fatal("a normally extracted bundle should be cached")
	}
}
