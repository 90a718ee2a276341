package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/example/streamgate/internal/platform/analytics"
	platformconfig "github.com/example/streamgate/internal/platform/config"
	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/internal/platform/httpserver"
	"github.com/example/streamgate/internal/platform/logging"
	"github.com/example/streamgate/internal/platform/metrics"
	"github.com/example/streamgate/internal/platform/natsconn"
	"github.com/example/streamgate/internal/platform/run"
	"github.com/example/streamgate/services/scraper/internal/cache"
	"github.com/example/streamgate/services/scraper/internal/config"
	"github.com/example/streamgate/services/scraper/internal/extract"
	"github.com/example/streamgate/services/scraper/internal/handlers"
	"github.com/example/streamgate/services/scraper/internal/ratelimit"
	"github.com/example/streamgate/services/scraper/internal/resolver"
)

func main() {
	v, err := platformconfig.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		run.Exit(1)
	}
	if err := newRootCmd(v).Execute(); err != nil {
		run.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "scraper",
		Short:        "Resolve episode pages into playable stream bundles",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("site", "", "episode site base URL (SITE_BASE_URL)")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("site_base_url", root.PersistentFlags().Lookup("site"))

	root.AddCommand(newServeCmd(v), newResolveCmd(v))
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if code := serve(v); code != 0 {
				return fmt.Errorf("scraper exited with code %d", code)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (HTTP_ADDR)")
	_ = v.BindPFlag("http_addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func newResolveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <episode>",
		Short: "Resolve one episode slug or URL and print the bundle as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			svc, err := build(cfg, log, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			out, err := svc.resolver.Resolve(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out.Bundle)
		},
	}
}

// service is the wired scraper: everything serve and resolve share.
type service struct {
	resolver *resolver.Resolver
	redis    *cache.Redis
	nc       *nats.Conn
	sub      *nats.Subscription
}

// newSiteBreaker guards the episode site only. Provider hosts fail independently and
// must not open it.
func newSiteBreaker(cfg config.Config, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "episode-site",
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     cfg.CBInterval,
		Timeout:      cfg.CBTimeout,
		IsSuccessful: fetch.IsBreakerSuccess,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

func build(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (*service, error) {
	site := fetch.New(cfg.Upstream, fetch.WithCircuitBreaker(newSiteBreaker(cfg, log)), fetch.WithLogger(log), fetch.WithMetrics(m))
	providers := fetch.New(cfg.Upstream, fetch.WithLogger(log), fetch.WithMetrics(m))

	var strategies []extract.Strategy
	if cfg.StrategiesFile != "" {
		loaded, err := extract.LoadStrategies(cfg.StrategiesFile)
		if err != nil {
			return nil, err
		}
		strategies = loaded
		log.Info("extraction strategies loaded", zap.String("file", cfg.StrategiesFile), zap.Int("count", len(loaded)))
	}
	ex := extract.New(providers,
		extract.WithStrategies(extract.NewRegistry(strategies...)),
		extract.WithWorkers(cfg.Workers),
		extract.WithLogger(log),
		extract.WithMetrics(m))

	svc := &service{}
	var store interface {
		cache.Store
		cache.Invalidator
	}
	switch cfg.CacheBackend {
	case config.BackendRedis:
		rc, err := cache.NewRedis(cfg.RedisURL, log)
		if err != nil {
			return nil, err
		}
		svc.redis = rc
		store = rc
	default:
		store = cache.NewMemory()
	}

	nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.ServiceName, Logger: log})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.nc = nc
	if nc != nil {
		sub, err := cache.SubscribeInvalidation(nc, cfg.CacheInvalidateSubject, store, log)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("subscribe %s: %w", cfg.CacheInvalidateSubject, err)
		}
		svc.sub = sub
	}

	svc.resolver = resolver.New(site, ex, store,
		ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		resolver.Config{
			SiteBaseURL: cfg.SiteBaseURL,
			CacheTTL:    cfg.CacheTTL,
			UserAgent:   site.Config.UserAgent,
		},
		resolver.WithLogger(log),
		resolver.WithMetrics(m),
		resolver.WithAnalytics(analytics.FromConn(nc, log)))
	return svc, nil
}

func (s *service) ready() error {
	if s.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.redis.Ping(ctx)
}

func (s *service) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		_ = s.nc.Drain()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func serve(v *viper.Viper) int {
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	// only the episode site gets its own upstream label; providers come from scraped pages
	m := metrics.New(cfg.ServiceName, siteHost(cfg.SiteBaseURL))
	svc, err := build(cfg, log, m)
	if err != nil {
		log.Error("scraper setup", zap.Error(err))
		return 1
	}
	defer svc.Close()
	log.Info("scraper configured",
		zap.String("site", cfg.SiteBaseURL),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Bool("nats", svc.nc != nil),
		zap.Int("trusted_proxy_hops", cfg.TrustedProxyHops))

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: svc.ready, Metrics: m})
	handlers.Routes(r, svc.resolver, httpserver.ClientKeyFunc(cfg.TrustedProxyHops), log)

	srv := httpserver.New(httpserver.Options{
		Addr:        cfg.HTTP.Addr,
		ServiceName: cfg.ServiceName,
		Logger:      log,
		Router:      r,
	})
	return run.New(log).Serve(srv)
}

func siteHost(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
