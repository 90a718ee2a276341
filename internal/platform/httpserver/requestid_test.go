package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware_ReusesInbound(t *testing.T) {
	var got string
	h := RequestIDMiddleware("")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "abc-123" {
		t.Fatalf("expected inbound id, got %q", got)
	}
}

func TestRequestIDMiddleware_ReplacesOversized(t *testing.T) {
	var got string
	h := RequestIDMiddleware("")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 500))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if len(got) != 36 {
		t.Fatalf("expected a fresh uuid, got %q", got)
	}
}

func TestClientKeyFunc(t *testing.T) {
	tests := []struct {
		name    string
		trusted int
		header  map[string]string
		remote  string
		want    string
	}{
		{"no trusted proxy ignores xff", 0, map[string]string{"X-Forwarded-For": "9.9.9.9"}, "1.2.3.4:5", "1.2.3.4"},
		{"no trusted proxy ignores real ip", 0, map[string]string{"X-Real-IP": "8.8.8.8"}, "1.2.3.4:5", "1.2.3.4"},
		{"one proxy takes rightmost hop", 1, map[string]string{"X-Forwarded-For": "6.6.6.6, 9.9.9.9"}, "10.0.0.1:5", "9.9.9.9"},
		{"two proxies", 2, map[string]string{"X-Forwarded-For": "6.6.6.6, 9.9.9.9, 10.0.0.2"}, "10.0.0.1:5", "9.9.9.9"},
		{"short chain uses leftmost", 3, map[string]string{"X-Forwarded-For": "9.9.9.9"}, "10.0.0.1:5", "9.9.9.9"},
		{"real ip behind proxy", 1, map[string]string{"X-Real-IP": "8.8.8.8"}, "10.0.0.1:5", "8.8.8.8"},
		{"remote addr", 1, nil, "1.2.3.4:5555", "1.2.3.4"},
		{"ipv6 remote addr", 0, nil, "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := ClientKeyFunc(tt.trusted)(req); got != tt.want {
				t.Fatalf("want %q, got %q", tt.want, got)
			}
		})
	}
}

func TestClientKey_SpoofedForwardingDoesNotRotateKey(t *testing.T) {
	key := ClientKeyFunc(1)
	seen := map[string]bool{}
	for _, spoofed := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5"
		req.Header.Set("X-Forwarded-For", spoofed+", 203.0.113.7")
		seen[key(req)] = true
		if ClientKey(req) != "10.0.0.1" {
			t.Fatalf("ClientKey must ignore forwarding headers")
		}
	}
	if len(seen) != 1 || !seen["203.0.113.7"] {
		t.Fatalf("caller-written hops changed the key: %v", seen)
	}
}
