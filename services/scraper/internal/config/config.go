package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	platformconfig "github.com/example/streamgate/internal/platform/config"
	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/services/scraper/internal/cache"
	"github.com/example/streamgate/services/scraper/internal/extract"
	"github.com/example/streamgate/services/scraper/internal/ratelimit"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultSiteBaseURL = "https://www3.animeflv.net"
)

type Config struct {
	platformconfig.AppConfig
	Upstream    fetch.Config
	SiteBaseURL string
	NATSURL     string

	CacheBackend           string
	CacheTTL               time.Duration
	RedisURL               string
	CacheInvalidateSubject string

	RateLimitMax    int
	RateLimitWindow time.Duration
	// TrustedProxyHops is how many reverse proxies in front of the service append
	// X-Forwarded-For; 0 keys the limiter on the connection address.
	TrustedProxyHops int

	// StrategiesFile is an optional YAML file of per-host extraction patterns.
	StrategiesFile string
	Workers        int

	// Circuit breaker around upstream requests.
	CBMaxRequests      uint32
	CBInterval         time.Duration
	CBTimeout          time.Duration
	CBFailureThreshold uint32
}

func Load(v *viper.Viper) (Config, error) {
	v.SetDefault("service_name", "scraper")
	v.SetDefault("http_addr", ":8085")

	app, err := platformconfig.Load(v)
	if err != nil {
		return Config{}, err
	}

	backend := strings.ToLower(strings.TrimSpace(v.GetString("cache_backend")))
	switch backend {
	case "":
		backend = BackendMemory
	case BackendMemory, BackendRedis:
	default:
		return Config{}, fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, backend)
	}

	siteBase := strings.TrimRight(strings.TrimSpace(v.GetString("site_base_url")), "/")
	if siteBase == "" {
		siteBase = DefaultSiteBaseURL
	}
	redisURL := strings.TrimSpace(v.GetString("redis_url"))
	if redisURL == "" {
		redisURL = "redis://redis:6379/0"
	}
	subject := strings.TrimSpace(v.GetString("cache_invalidate_subject"))
	if subject == "" {
		subject = "scraper.cache.invalidate"
	}

	return Config{
		AppConfig:              app,
		Upstream:               platformconfig.Upstream(v),
		SiteBaseURL:            siteBase,
		NATSURL:                strings.TrimSpace(v.GetString("nats_url")),
		CacheBackend:           backend,
		CacheTTL:               platformconfig.Duration(v, "cache_ttl_seconds", cache.DefaultTTL),
		RedisURL:               redisURL,
		CacheInvalidateSubject: subject,
		RateLimitMax:           platformconfig.PositiveInt(v, "rate_limit_max", ratelimit.DefaultLimit),
		RateLimitWindow:        platformconfig.Duration(v, "rate_limit_window", ratelimit.DefaultWindow),
		TrustedProxyHops:       v.GetInt("trusted_proxy_hops"),
		StrategiesFile:         strings.TrimSpace(v.GetString("extract_strategies_file")),
		Workers:                platformconfig.PositiveInt(v, "extract_workers", extract.DefaultWorkers),
		CBMaxRequests:          uint32(platformconfig.PositiveInt(v, "cb_max_requests", 5)),
		CBInterval:             platformconfig.Duration(v, "cb_interval", 60*time.Second),
		CBTimeout:              platformconfig.Duration(v, "cb_timeout", 30*time.Second),
		CBFailureThreshold:     uint32(platformconfig.PositiveInt(v, "cb_failure_threshold", 5)),
	}, nil
}
