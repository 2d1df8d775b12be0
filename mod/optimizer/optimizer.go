package optimizer

import (
	"context"
	"fmt"

	"imuslab.com/liturgia/mod/cache"
)

// Transform rewrites a buffered static asset. It must not modify data in
// place: the caller may still be serving the original bytes.
type Transform func(ctx context.Context, data []byte, meta *cache.Meta) ([]byte, *cache.Meta, error)

// Pipeline applies transforms in order
type Pipeline struct {
	transforms []Transform
}

// NewPipeline creates a new optimization pipeline
func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{
		transforms: transforms,
	}
}

// Len returns the number of transforms
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.transforms)
}

// Run applies every transform; the input meta is never modified
func (p *Pipeline) Run(ctx context.Context, data []byte, meta *cache.Meta) ([]byte, *cache.Meta, error) {
	current := meta.Clone()
	if p == nil {
		return data, current, nil
	}

	for i, transform := range p.transforms {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		out, outMeta, err := transform(ctx, data, current)
		if err != nil {
			return nil, nil, fmt.Errorf("optimizer step %d: %w", i, err)
		}
		data, current = out, outMeta
	}

	current.Size = int64(len(data))
	return data, current, nil
}

// Config selects the optimisation applied to static assets
type Config struct {
	// Minify enables content-type aware minification
	Minify bool `json:"minify"`

	// Compression is "", "gzip" or "br"
	Compression CompressionType `json:"compression"`

	// Level is the compression level, zero picks the algorithm default
	Level int `json:"level"`

	// MinSize is the smallest body worth compressing
	MinSize int64 `json:"min_size"`
}

// DefaultConfig minifies and brotli-encodes assets of 1KB or more
func DefaultConfig() Config {
	return Config{
		Minify:      true,
		Compression: CompressionBrotli,
		MinSize:     1024,
	}
}

// Build creates the pipeline described by the configuration
func (c Config) Build() (*Pipeline, error) {
	p := NewPipeline()
	if c.Minify {
		p.transforms = append(p.transforms, MinifyTransform(DefaultMinifyConfig()))
	}

	switch c.Compression {
	case CompressionNone:
	case CompressionGzip, CompressionBrotli:
		cc := CompressConfig{Type: c.Compression, Level: c.Level, MinSize: c.MinSize}
		if cc.Level == 0 {
			if c.Compression == CompressionGzip {
				cc.Level = DefaultGzipConfig().Level
			} else {
				cc.Level = DefaultBrotliConfig().Level
			}
		}
		p.transforms = append(p.transforms, CompressTransform(cc))
	default:
		return nil, fmt.Errorf("unsupported compression %q", c.Compression)
	}
	return p, nil
}
