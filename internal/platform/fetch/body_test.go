package fetch

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
)

func responseWith(encoding string, body []byte) *http.Response {
	h := http.Header{}
	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}
	return &http.Response{Header: h, Body: io.NopCloser(bytes.NewReader(body))}
}

func TestReadBody_Decodes(t *testing.T) {
	const page = "<html>episode</html>"

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(page))
	zw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte(page))
	bw.Close()

	for name, resp := range map[string]*http.Response{
		"plain": responseWith("", []byte(page)),
		"gzip":  responseWith("gzip", gz.Bytes()),
		"br":    responseWith("br", br.Bytes()),
	} {
		got, err := ReadBody(resp, 0)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if string(got) != page {
			t.Fatalf("%s: got %q", name, got)
		}
	}
}

func TestReadBody_Limit(t *testing.T) {
	got, err := ReadBody(responseWith("", []byte("0123456789")), 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0123" {
		t.Fatalf("expected truncated body, got %q", got)
	}
}

func TestReadBody_UnknownEncoding(t *testing.T) {
	if _, err := ReadBody(responseWith("zstd", []byte("x")), 0); err == nil {
		t.Fatal("expected an error for unsupported encoding")
	}
}
