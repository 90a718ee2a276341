// Package natsconn opens the optional NATS connection used for analytics and cache
// invalidation. An empty URL disables messaging instead of failing startup.
package natsconn

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Options configures the NATS connection behaviour.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int           // default 5
	ReconnectWait time.Duration // default 2s
	Logger        *zap.Logger
}

// Connect returns (nil, nil) when opts.URL is empty. Otherwise it dials once and
// fails fast, leaving reconnects to the client library after the first success.
func Connect(opts Options) (*nats.Conn, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, nil
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 5
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			url, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}
