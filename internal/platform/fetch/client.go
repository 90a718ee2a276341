package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/streamgate/internal/platform/metrics"
)

const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultTimeout        = 30 * time.Second
)

// Config holds the tunables of a Client.
type Config struct {
	UserAgent      string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// Timeout bounds each attempt until response headers arrive. Body reads are
	// bounded only by the caller's context.
	Timeout time.Duration
	// HostRPS throttles attempts per upstream host. Zero disables it.
	HostRPS float64
	// TLSFingerprint dials https hosts with a browser ClientHello.
	TLSFingerprint bool
}

// Client performs upstream requests with bounded retries and exponential backoff.
type Client struct {
	HTTPClient *http.Client
	Config     Config
	CB         *gobreaker.CircuitBreaker
	Log        *zap.Logger
	Metrics    *metrics.Metrics

	timer retry.Timer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures the Client.
type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.Log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.Metrics = m }
}

// WithTransport replaces the round tripper, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.HTTPClient.Transport = rt }
}

// WithTimer replaces the backoff timer so tests can observe sleeps without waiting.
func WithTimer(t retry.Timer) Option {
	return func(c *Client) { c.timer = t }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.TLSFingerprint {
		transport = NewFingerprintTransport()
	}
	c := &Client{
		HTTPClient: &http.Client{Transport: transport},
		Config:     cfg,
		Log:        zap.NewNop(),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get issues a GET with the given extra headers.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(ctx, req)
}

// Do sends req, retrying retryable failures. A Success or Terminal response is
// returned as is and the caller owns its body. Exhausted retries yield an
// *UpstreamError describing the last attempt.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.Config.UserAgent)
	}
	if c.CB == nil {
		return c.doWithRetry(ctx, req)
	}
	result, err := c.CB.Execute(func() (interface{}, error) {
		return c.doWithRetry(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	attempts := 0
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(c.Config.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return Backoff(c.Config.RetryBaseDelay, attempts-1)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.Log.Debug("retrying upstream request",
				zap.String("url", redact(req.URL.String())),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	}
	if c.timer != nil {
		opts = append(opts, retry.WithTimer(c.timer))
	}
	return retry.DoWithData(func() (*http.Response, error) {
		attempts++
		return c.attempt(ctx, req)
	}, opts...)
}

// Backoff is base * 2^n for the zero-based retry index n.
func Backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 16 {
		n = 16
	}
	return base << uint(n)
}

func (c *Client) attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host := req.URL.Hostname()
	if err := c.waitHost(ctx, host); err != nil {
		return nil, err
	}

	actx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.Config.Timeout, cancel)
	resp, err := c.HTTPClient.Do(req.Clone(actx))
	if !timer.Stop() && err == nil {
		// headers won the race against the deadline but the context is gone
		resp.Body.Close()
		err = errAttemptTimeout
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if actx.Err() != nil {
			err = errAttemptTimeout
		}
		c.Metrics.UpstreamAttempt(host, "transport_error")
		return nil, &UpstreamError{URL: req.URL.String(), Err: err}
	}

	outcome := Classify(resp.StatusCode)
	c.Metrics.UpstreamAttempt(host, outcome.String())
	if outcome == Retryable {
		drain(resp.Body)
		cancel()
		return nil, &UpstreamError{URL: req.URL.String(), Status: resp.StatusCode}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) waitHost(ctx context.Context, host string) error {
	if c.Config.HostRPS <= 0 || host == "" {
		return nil
	}
	c.mu.Lock()
	l, ok := c.limiters[host]
	if !ok {
		burst := int(c.Config.HostRPS)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.Config.HostRPS), burst)
		c.limiters[host] = l
	}
	c.mu.Unlock()
	return l.Wait(ctx)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}

// redact drops the query string, which may carry keys.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
