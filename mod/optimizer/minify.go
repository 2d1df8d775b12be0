package optimizer

import (
	"bytes"
	"context"
	"mime"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/json"
	"github.com/tdewolff/minify/v2/svg"

	"imuslab.com/liturgia/mod/cache"
)

// MinifyConfig selects the minified content types
type MinifyConfig struct {
	HTML bool
	CSS  bool
	JS   bool
	JSON bool
	SVG  bool
}

// DefaultMinifyConfig enables every supported type
func DefaultMinifyConfig() MinifyConfig {
	return MinifyConfig{
		HTML: true,
		CSS:  true,
		JS:   true,
		JSON: true,
		SVG:  true,
	}
}

// NewMinifier creates a minifier with the specified configuration
func NewMinifier(config MinifyConfig) *minify.M {
	m := minify.New()

	if config.HTML {
		m.AddFunc("text/html", html.Minify)
	}
	if config.CSS {
		m.AddFunc("text/css", css.Minify)
	}
	if config.JS {
		m.AddFunc("text/javascript", js.Minify)
		m.AddFunc("application/javascript", js.Minify)
		m.AddFunc("application/x-javascript", js.Minify)
	}
	if config.JSON {
		m.AddFunc("application/json", json.Minify)
		m.AddFunc("application/manifest+json", json.Minify)
	}
	if config.SVG {
		m.AddFunc("image/svg+xml", svg.Minify)
	}

	return m
}

// MinifyTransform minifies by media type. Content the minifier rejects is
// kept as it came from the network.
func MinifyTransform(config MinifyConfig) Transform {
	minifier := NewMinifier(config)
	enabled := enabledTypes(config)

	return func(ctx context.Context, data []byte, meta *cache.Meta) ([]byte, *cache.Meta, error) {
		if meta.Encoding != "" && meta.Encoding != "identity" {
			return data, meta, nil
		}

		mediaType, _, err := mime.ParseMediaType(meta.ContentType)
		if err != nil || !enabled[strings.ToLower(mediaType)] {
			return data, meta, nil
		}

		var out bytes.Buffer
		out.Grow(len(data))
		if err := minifier.Minify(mediaType, &out, bytes.NewReader(data)); err != nil {
			return data, meta, nil
		}

		result := meta.Clone()
		result.Size = int64(out.Len())
		return out.Bytes(), result, nil
	}
}

func enabledTypes(config MinifyConfig) map[string]bool {
	types := make(map[string]bool)
	if config.HTML {
		types["text/html"] = true
	}
	if config.CSS {
		types["text/css"] = true
	}
	if config.JS {
		types["text/javascript"] = true
		types["application/javascript"] = true
		types["application/x-javascript"] = true
	}
	if config.JSON {
		types["application/json"] = true
		types["application/manifest+json"] = true
	}
	if config.SVG {
		types["image/svg+xml"] = true
	}
	return types
}
