package transport

import (
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	http "github.com/bogdanfinn/fhttp"

	"github.com/andybalholm/brotli"
)

// CompressionMiddleware wraps an http.RoundTripper to handle response
// decompression transparently. The underlying transport runs with built-in
// compression disabled so the Accept-Encoding header stays under fingerprint
// control.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware creates the middleware wrapper.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{
		Transport: transport,
	}
}

// RoundTrip executes a single HTTP transaction, decompressing the response
// body according to its Content-Encoding.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decompress response: %w", err)
	}

	return resp, nil
}

// closeWrapper ensures both the decompression reader and the underlying
// original body are closed.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
}

func (w *closeWrapper) Close() error {
	err1 := w.ReadCloser.Close()
	err2 := w.originalBody.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// DecompressResponse checks the Content-Encoding header and wraps the
// response body in the matching reader.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil || resp.Header.Get("Content-Encoding") == "" {
		return nil
	}

	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	var reader io.ReadCloser
	var err error

	switch encoding {
	case "gzip":
		reader, err = gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gzip error: %w", err)
		}
	case "deflate":
		// zlib.NewReader handles the common zlib-wrapped deflate servers send.
		reader, err = zlib.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("deflate error: %w", err)
		}
	case "br":
		// The brotli reader is not an io.ReadCloser; the original body is
		// closed via the closeWrapper.
		reader = io.NopCloser(brotli.NewReader(resp.Body))
	default:
		// We advertised a fixed set; anything else is a protocol error.
		return fmt.Errorf("unsupported Content-Encoding: %s", encoding)
	}

	resp.Body = &closeWrapper{ReadCloser: reader, originalBody: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
	resp.Uncompressed = true

	return nil
}
