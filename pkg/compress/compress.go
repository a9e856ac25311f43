// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress provides negotiated HTTP response compression and
// transparent request decompression for zstd, gzip, and deflate.
package compress

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// encodings the package can produce, in preference order.
var preferred = []string{"zstd", "gzip", "deflate"}

// SelectEncoding chooses a response encoding from an Accept-Encoding header,
// honoring quality values and picking by preference (zstd > gzip > deflate)
// among equal qualities. It returns "" when the response should not be
// compressed.
func SelectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	quality := make(map[string]float64)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, attrs, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.TrimSpace(name)
		q := 1.0
		if qv, ok := strings.CutPrefix(strings.TrimSpace(attrs), "q="); ok {
			if parsed, err := strconv.ParseFloat(qv, 64); err == nil {
				q = parsed
			}
		}
		switch name {
		case "zstd", "gzip", "deflate":
			quality[name] = q
		case "*":
			for _, enc := range preferred {
				if _, ok := quality[enc]; !ok {
					quality[enc] = q
				}
			}
		}
	}

	var best string
	var bestQ float64
	for _, enc := range preferred {
		if q, ok := quality[enc]; ok && q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

// ResponseWriter wraps an http.ResponseWriter with transparent compression.
// It sets Content-Encoding and Vary and drops Content-Length, since the
// compressed size differs from the original. Close must be called to flush
// the compressor.
type ResponseWriter struct {
	http.ResponseWriter
	writer      io.Writer
	encoding    string
	wroteHeader bool
}

// NewResponseWriter creates a compressing writer for the given encoding.
// An empty or unknown encoding passes writes through uncompressed.
func NewResponseWriter(w http.ResponseWriter, encoding string) (*ResponseWriter, error) {
	cw := &ResponseWriter{ResponseWriter: w, encoding: encoding}
	var err error
	switch encoding {
	case "zstd":
		cw.writer, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case "gzip":
		cw.writer = gzip.NewWriter(w)
	case "deflate":
		cw.writer, err = flate.NewWriter(w, flate.DefaultCompression)
	default:
		cw.writer = w
		cw.encoding = ""
	}
	if err != nil {
		return nil, err
	}
	return cw, nil
}

// Write compresses data into the underlying response.
func (cw *ResponseWriter) Write(data []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.writer.Write(data)
}

// WriteHeader writes the status code, setting the compression headers first.
func (cw *ResponseWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.encoding != "" {
		h := cw.ResponseWriter.Header()
		h.Set("Content-Encoding", cw.encoding)
		h.Set("Vary", "Accept-Encoding")
		h.Del("Content-Length")
	}
	cw.ResponseWriter.WriteHeader(code)
}

// Close flushes and closes the compressor.
func (cw *ResponseWriter) Close() error {
	if closer, ok := cw.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// DecompressRequest replaces the request body with a decompressing reader
// when Content-Encoding is set, and strips the header so downstream code
// sees plain content. Unknown encodings are left untouched.
func DecompressRequest(r *http.Request) error {
	var reader io.ReadCloser
	var err error
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "gzip":
		reader, err = gzip.NewReader(r.Body)
	case "deflate":
		reader = flate.NewReader(r.Body)
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(r.Body)
		if err == nil {
			reader = zr.IOReadCloser()
		}
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("create decompressor for %s: %w", r.Header.Get("Content-Encoding"), err)
	}

	r.Body = &closeWrapper{ReadCloser: reader, onClose: r.Body.Close}
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	return nil
}

// closeWrapper closes both the decompressor and the original body.
type closeWrapper struct {
	io.ReadCloser
	onClose func() error
}

func (cw *closeWrapper) Close() error {
	return errors.Join(cw.ReadCloser.Close(), cw.onClose())
}
