package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/example/streamgate/internal/platform/auth"
	platformconfig "github.com/example/streamgate/internal/platform/config"
	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/internal/platform/httpserver"
	"github.com/example/streamgate/internal/platform/logging"
	"github.com/example/streamgate/internal/platform/metrics"
	"github.com/example/streamgate/internal/platform/run"
	"github.com/example/streamgate/services/video-proxy/internal/config"
	"github.com/example/streamgate/services/video-proxy/internal/proxy"
	"github.com/example/streamgate/services/video-proxy/internal/rewriter"
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
		Use:          "video-proxy",
		Short:        "Streaming proxy with in-flight HLS playlist rewriting",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCmd(v), newRewriteCmd())
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if code := serve(v); code != 0 {
				return fmt.Errorf("video-proxy exited with code %d", code)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (HTTP_ADDR)")
	cmd.Flags().String("public-url", "", "public proxy URL written into playlists (PROXY_PUBLIC_URL)")
	_ = v.BindPFlag("http_addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("proxy_public_url", cmd.Flags().Lookup("public-url"))
	return cmd
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

	m := metrics.New(cfg.ServiceName)
	client := fetch.New(cfg.Upstream, fetch.WithLogger(log), fetch.WithMetrics(m))

	var verifier *auth.JWTVerifier
	if cfg.APIKeySecret != "" {
		verifier = &auth.JWTVerifier{Secret: []byte(cfg.APIKeySecret)}
	}
	log.Info("api key gate", zap.Bool("enabled", verifier != nil))

	h := proxy.New(client, proxy.Config{
		PublicURL: cfg.PublicURL,
		APIKey:    cfg.APIKey,
		UserAgent: client.Config.UserAgent,
	}, proxy.WithLogger(log), proxy.WithMetrics(m))

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{Metrics: m})
	h.Routes(r, auth.RequireAPIKey(verifier))

	srv := httpserver.New(httpserver.Options{
		Addr:        cfg.HTTP.Addr,
		ServiceName: cfg.ServiceName,
		Logger:      log,
		Router:      r,
	})
	return run.New(log).Serve(srv)
}

func newRewriteCmd() *cobra.Command {
	var rc rewriter.Context
	cmd := &cobra.Command{
		Use:   "rewrite",
		Short: "Rewrite a playlist read from stdin and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read playlist: %w", err)
			}
			out := rewriter.RewriteM3U8(string(data), rc)
			if !rewriter.IsPlaylist(out) {
				return fmt.Errorf("input is not an HLS playlist")
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&rc.BaseURL, "base", "", "URL the playlist was fetched from")
	cmd.Flags().StringVar(&rc.ProxyBase, "proxy", "", "proxy endpoint rewritten URLs point at")
	cmd.Flags().StringVar(&rc.Referer, "referer", "", "referer to carry on child requests")
	cmd.Flags().StringVar(&rc.APIKey, "apikey", "", "api key to carry on child requests")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("proxy")
	return cmd
}
