package httpserver

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxRequestIDLen = 128

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return v
}

// RequestIDMiddleware reuses an inbound id when it looks sane and mints a uuid otherwise.
// Players re-enter the proxy for every segment, so ids are cheap and never required.
func RequestIDMiddleware(headerName string) func(next http.Handler) http.Handler {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-Request-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := strings.TrimSpace(r.Header.Get(headerName))
			if rid == "" || len(rid) > maxRequestIDLen || strings.ContainsAny(rid, "\r\n") {
				rid = uuid.NewString()
			}
			w.Header().Set(headerName, rid)
			ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, rid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientKeyFunc returns the rate limit key extractor for a deployment behind
// trustedHops reverse proxies. Each trusted proxy appends one X-Forwarded-For
// entry, so the client is the entry trustedHops from the right; anything further
// left was written by the caller. With no trusted hops forwarding headers are
// ignored and the connection's remote host is the key.
func ClientKeyFunc(trustedHops int) func(*http.Request) string {
	return func(r *http.Request) string {
		if trustedHops <= 0 {
			return remoteHost(r.RemoteAddr)
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			idx := len(hops) - trustedHops
			if idx < 0 {
				idx = 0
			}
			if ip := strings.TrimSpace(hops[idx]); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
		return remoteHost(r.RemoteAddr)
	}
}

// ClientKey is ClientKeyFunc(0): the remote host of the connection.
func ClientKey(r *http.Request) string {
	return remoteHost(r.RemoteAddr)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
