package fetch

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// DefaultBodyLimit caps how much of a page or manifest is buffered.
const DefaultBodyLimit = 16 << 20

// AcceptEncoding is what browser-like requests advertise. Bodies must then be
// read through ReadBody since the transport no longer decodes them.
const AcceptEncoding = "gzip, br"

// ReadBody reads and closes resp.Body, decoding gzip or brotli content.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	var r io.Reader = resp.Body
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
	return io.ReadAll(io.LimitReader(r, limit))
}
