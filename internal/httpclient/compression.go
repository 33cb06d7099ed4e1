// File: internal/httpclient/compression.go
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is advertised on every request; the transport's own
// transparent gzip handling is disabled so that brotli is covered too.
const acceptEncoding = "br, gzip, deflate"

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

// decodeBody undoes the Content-Encoding values of a response, last applied first.
// Reads are capped at limit bytes of decoded output.
func decodeBody(encodings []string, body []byte, limit int64) ([]byte, error) {
	for i := len(encodings) - 1; i >= 0; i-- {
		for _, enc := range splitEncodings(encodings[i]) {
			var err error
			body, err = decodeOne(enc, body, limit)
			if err != nil {
				return nil, fmt.Errorf("decoding %q body: %w", enc, err)
			}
		}
	}
	return body, nil
}

func splitEncodings(header string) []string {
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	// A single header may list several codings; they too apply left to right.
	for j := len(parts) - 1; j >= 0; j-- {
		if p := strings.ToLower(strings.TrimSpace(parts[j])); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeOne(encoding string, body []byte, limit int64) ([]byte, error) {
	switch encoding {
	case "identity", "":
		return body, nil
	case "gzip", "x-gzip":
		zr := gzipReaderPool.Get().(*gzip.Reader)
		defer gzipReaderPool.Put(zr)
		if err := zr.Reset(bytes.NewReader(body)); err != nil {
			return nil, err
		}
		return readLimited(zr, limit)
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		defer brotliReaderPool.Put(br)
		if err := br.Reset(bytes.NewReader(body)); err != nil {
			return nil, err
		}
		return readLimited(br, limit)
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			return readLimited(zr, limit)
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return readLimited(fr, limit)
	}
	return nil, fmt.Errorf("unsupported content encoding")
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	return io.ReadAll(io.LimitReader(r, limit))
}
