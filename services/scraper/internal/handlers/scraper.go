// Package handlers exposes the episode resolver over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/streamgate/internal/platform/api"
	"github.com/example/streamgate/internal/platform/httpserver"
	"github.com/example/streamgate/services/scraper/internal/resolver"
)

// Resolver is what the handler needs from resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, clientKey, input string) (resolver.Outcome, error)
}

type scrapeRequest struct {
	EpisodeURL string `json:"episodeUrl"`
}

// KeyFunc picks the rate limit key for a request, see httpserver.ClientKeyFunc.
type KeyFunc func(*http.Request) string

// Routes registers GET and POST /scraper.
func Routes(r chi.Router, res Resolver, key KeyFunc, log *zap.Logger) {
	h := Scrape(res, key, log)
	r.Get("/scraper", h)
	r.Post("/scraper", h)
}

// Scrape resolves the episode named by the episodeUrl query param, or by the JSON
// body on POST.
func Scrape(res Resolver, key KeyFunc, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	if key == nil {
		key = httpserver.ClientKey
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		input := strings.TrimSpace(r.URL.Query().Get("episodeUrl"))
		if input == "" && r.Method == http.MethodPost {
			var body scrapeRequest
			if !decodeJSON(w, r, rid, &body) {
				return
			}
			input = strings.TrimSpace(body.EpisodeURL)
		}
		if input == "" {
			api.BadRequest(w, "MISSING_EPISODE", "episodeUrl is required", rid, nil)
			return
		}

		out, err := res.Resolve(r.Context(), key(r), input)
		if err != nil {
			writeResolveError(w, r, rid, err, log)
			return
		}
		if out.Cached {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		api.WriteJSON(w, http.StatusOK, out.Bundle)
	}
}

func writeResolveError(w http.ResponseWriter, r *http.Request, rid string, err error, log *zap.Logger) {
	var se *resolver.StageError
	switch {
	case errors.Is(err, resolver.ErrInvalidLocator):
		api.BadRequest(w, "INVALID_EPISODE", "episodeUrl is not a valid episode locator", rid, nil)
	case errors.As(err, &se) && errors.Is(err, resolver.ErrRateLimited):
		api.RateLimited(w, "RATE_LIMITED", "Too many requests", rid, se.RetryAfter)
	case r.Context().Err() != nil:
		log.Debug("client went away", zap.String("request_id", rid), zap.Error(err))
	default:
		stage := resolver.Stage("")
		if se != nil {
			stage = se.Stage
		}
		log.Error("episode resolution failed",
			zap.String("request_id", rid),
			zap.String("stage", string(stage)),
			zap.Error(err))
		api.Internal(w, "failed to resolve episode", rid)
	}
}
