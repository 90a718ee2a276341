package config

import (
	"strings"

	"github.com/spf13/viper"

	platformconfig "github.com/example/streamgate/internal/platform/config"
	"github.com/example/streamgate/internal/platform/fetch"
)

type Config struct {
	platformconfig.AppConfig
	Upstream fetch.Config
	// PublicURL is the externally visible proxy endpoint; derived per request when empty.
	PublicURL string
	// APIKey is appended to rewritten URLs when the caller sent none.
	APIKey string
	// APIKeySecret enables the HS256 API key gate when set.
	APIKeySecret string
}

func Load(v *viper.Viper) (Config, error) {
	v.SetDefault("service_name", "video-proxy")
	v.SetDefault("http_addr", ":8084")

	app, err := platformconfig.Load(v)
	if err != nil {
		return Config{}, err
	}
	return Config{
		AppConfig:    app,
		Upstream:     platformconfig.Upstream(v),
		PublicURL:    strings.TrimRight(strings.TrimSpace(v.GetString("proxy_public_url")), "/"),
		APIKey:       strings.TrimSpace(v.GetString("proxy_api_key")),
		APIKeySecret: strings.TrimSpace(v.GetString("api_key_secret")),
	}, nil
}
