package config

import (
	"testing"
	"time"

	platformconfig "github.com/example/streamgate/internal/platform/config"
)

func load(t *testing.T) (Config, error) {
	t.Helper()
	v, err := platformconfig.New()
	if err != nil {
		t.Fatal(err)
	}
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SERVICE_NAME", "HTTP_ADDR", "CACHE_BACKEND", "CACHE_TTL_SECONDS", "SITE_BASE_URL", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW", "EXTRACT_WORKERS", "NATS_URL", "TRUSTED_PROXY_HOPS"} {
		t.Setenv(k, "")
	}
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "scraper" || cfg.HTTP.Addr != ":8085" {
		t.Fatalf("unexpected app defaults: %+v", cfg.AppConfig)
	}
	if cfg.CacheBackend != BackendMemory || cfg.CacheTTL != 600*time.Second {
		t.Fatalf("unexpected cache defaults: %s %s", cfg.CacheBackend, cfg.CacheTTL)
	}
	if cfg.RateLimitMax != 30 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %d/%s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.SiteBaseURL != DefaultSiteBaseURL || cfg.Workers != 4 {
		t.Fatalf("unexpected extraction defaults: %+v", cfg)
	}
	if cfg.CBMaxRequests != 5 || cfg.CBFailureThreshold != 5 || cfg.CBTimeout != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %+v", cfg)
	}
	if cfg.TrustedProxyHops != 0 {
		t.Fatalf("forwarding headers must not be trusted by default, got %d hops", cfg.TrustedProxyHops)
	}
	if cfg.NATSURL != "" || cfg.CacheInvalidateSubject != "scraper.cache.invalidate" {
		t.Fatalf("unexpected messaging defaults: %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CACHE_TTL_SECONDS", "120")
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("SITE_BASE_URL", "https://mirror.example.net/")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("RATE_LIMIT_MAX", "-1")
	t.Setenv("TRUSTED_PROXY_HOPS", "2")
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Fatalf("bare integers are seconds, got %s", cfg.CacheTTL)
	}
	if cfg.CacheBackend != BackendRedis {
		t.Fatalf("backend should be case-insensitive, got %q", cfg.CacheBackend)
	}
	if cfg.SiteBaseURL != "https://mirror.example.net" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.SiteBaseURL)
	}
	if cfg.TrustedProxyHops != 2 {
		t.Fatalf("expected 2 trusted hops, got %d", cfg.TrustedProxyHops)
	}
	if cfg.RateLimitWindow != 30*time.Second || cfg.RateLimitMax != 30 {
		t.Fatalf("unexpected rate limit: %d/%s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "memcached")
	if _, err := load(t); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
