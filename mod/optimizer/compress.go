package optimizer

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"

	"imuslab.com/liturgia/mod/cache"
)

// CompressionType represents the type of compression
type CompressionType string

const (
	CompressionGzip   CompressionType = "gzip"
	CompressionBrotli CompressionType = "br"
	CompressionNone   CompressionType = ""
)

// CompressConfig holds configuration for compression
type CompressConfig struct {
	// Type specifies the compression algorithm to use
	Type CompressionType

	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int

	// MinSize is the minimum size (in bytes) before compression is applied
	MinSize int64
}

// DefaultGzipConfig returns the default gzip compression configuration
func DefaultGzipConfig() CompressConfig {
	return CompressConfig{
		Type:    CompressionGzip,
		Level:   gzip.DefaultCompression,
		MinSize: 1024,
	}
}

// DefaultBrotliConfig returns the default brotli compression configuration
func DefaultBrotliConfig() CompressConfig {
	return CompressConfig{
		Type:    CompressionBrotli,
		Level:   6,
		MinSize: 1024,
	}
}

// CompressTransform encodes compressible assets. Already encoded, small or
// incompressible bodies pass through unchanged.
func CompressTransform(config CompressConfig) Transform {
	return func(ctx context.Context, data []byte, meta *cache.Meta) ([]byte, *cache.Meta, error) {
		if meta.Encoding != "" && meta.Encoding != "identity" {
			return data, meta, nil
		}
		if int64(len(data)) < config.MinSize || !IsCompressible(meta.ContentType) {
			return data, meta, nil
		}

		encoded, err := Encode(config.Type, config.Level, data)
		if err != nil {
			return nil, nil, err
		}
		if len(encoded) >= len(data) {
			return data, meta, nil
		}

		out := meta.Clone()
		out.Encoding = string(config.Type)
		out.Size = int64(len(encoded))
		return encoded, out, nil
	}
}

// Encode compresses data with the named algorithm
func Encode(t CompressionType, level int, data []byte) ([]byte, error) {
	var buf bytes.Buffer

	switch t {
	case CompressionGzip:
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to compress with gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress with gzip: %w", err)
		}

	case CompressionBrotli:
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to compress with brotli: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress with brotli: %w", err)
		}

	default:
		return data, nil
	}

	return buf.Bytes(), nil
}

// Decode reverses a content encoding; unknown encodings are an error
func Decode(encoding string, data []byte) ([]byte, error) {
	var r io.Reader

	switch encoding {
	case "", "identity":
		return data, nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", encoding, err)
	}
	return out, nil
}

// Accepts reports whether an Accept-Encoding header allows encoding
func Accepts(acceptEncoding, encoding string) bool {
	if encoding == "" || encoding == "identity" {
		return true
	}
	for _, part := range strings.Split(acceptEncoding, ",") {
		name := strings.TrimSpace(part)
		q := ""
		if idx := strings.IndexByte(name, ';'); idx != -1 {
			q = strings.TrimSpace(name[idx+1:])
			name = strings.TrimSpace(name[:idx])
		}
		if q == "q=0" || q == "q=0.0" {
			continue
		}
		if strings.EqualFold(name, encoding) || name == "*" {
			return true
		}
	}
	return false
}

// IsCompressible checks if a content type is typically compressible
func IsCompressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	compressible := []string{
		"text/",
		"application/json",
		"application/manifest+json",
		"application/javascript",
		"application/xml",
		"application/x-javascript",
		"application/xhtml+xml",
		"image/svg+xml",
	}

	for _, prefix := range compressible {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}

	return false
}
