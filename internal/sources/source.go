package sources

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/spf13/cast"

	"tileproxy/internal/quadtile"
	"tileproxy/internal/tile"
)

var sourceIDRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// IsValidSourceID reports whether id starts with a letter and continues
// with letters, digits and underscores.
func IsValidSourceID(id string) bool {
	return sourceIDRe.MatchString(id)
}

// Source is a configured source. Fields other than the handler are only
// used by the serving layer.
type Source struct {
	ID             string
	URI            string
	Public         bool
	MinZoom        *int
	MaxZoom        *int
	DefaultHeaders map[string]string
	Headers        map[string]string
	Formats        []string
	// Scales are kept as strings so they compare exactly against request
	// values.
	Scales       []string
	Static       bool
	MaxWidth     *int
	MaxHeight    *int
	SetInfo      map[string]any
	OverrideInfo map[string]any

	// Disabled holds the error that stopped the source from loading.
	Disabled error

	opts    tile.Params
	handler tile.Handler
}

// IsDisabled reports whether the source failed to load.
func (s *Source) IsDisabled() bool {
	return s.Disabled != nil
}

// Handler returns the live handler, nil for disabled sources.
func (s *Source) Handler() tile.Handler {
	return s.handler
}

// HasFormat reports whether format is allowed. No list allows everything.
func (s *Source) HasFormat(format string) bool {
	return len(s.Formats) == 0 || contains(s.Formats, format)
}

// HasScale reports whether scale is allowed. No list allows everything.
func (s *Source) HasScale(scale string) bool {
	return len(s.Scales) == 0 || contains(s.Scales, scale)
}

// InZoomRange reports whether z is inside the declared bounds.
func (s *Source) InZoomRange(z int) bool {
	if s.MinZoom != nil && z < *s.MinZoom {
		return false
	}
	if s.MaxZoom != nil && z > *s.MaxZoom {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// parseSource validates the recognized options of a raw source mapping.
// Symbolic values are left for the loader to resolve.
func parseSource(id string, raw any) (*Source, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("source %q must be an object", id)
	}
	opts := make(tile.Params, len(m))
	for k, v := range m {
		opts[k] = v
	}
	src := &Source{ID: id, opts: opts}

	var err error
	if src.URI, err = opts.RequiredString("uri", 1); err != nil {
		return nil, err
	}
	if src.Public, err = opts.Bool("public"); err != nil {
		return nil, err
	}
	if src.MinZoom, err = optionalZoom(opts, "minzoom"); err != nil {
		return nil, err
	}
	if src.MaxZoom, err = optionalZoom(opts, "maxzoom"); err != nil {
		return nil, err
	}
	if src.DefaultHeaders, err = stringMap(opts, "defaultHeaders"); err != nil {
		return nil, err
	}
	if src.Headers, err = stringMap(opts, "headers"); err != nil {
		return nil, err
	}
	if src.Formats, err = opts.Strings("formats", 0); err != nil {
		return nil, err
	}
	if src.Scales, err = numberStrings(opts, "scales"); err != nil {
		return nil, err
	}
	if src.Static, err = opts.Bool("static"); err != nil {
		return nil, err
	}
	if src.MaxWidth, err = optionalInt(opts, "maxwidth"); err != nil {
		return nil, err
	}
	if src.MaxHeight, err = optionalInt(opts, "maxheight"); err != nil {
		return nil, err
	}
	for _, key := range []string{"setInfo", "overrideInfo", "params"} {
		if _, err := object(opts, key); err != nil {
			return nil, err
		}
	}
	return src, nil
}

func optionalZoom(opts tile.Params, key string) (*int, error) {
	z, ok, err := opts.OptionalInt(key, 0, quadtile.MaxZoom)
	if err != nil {
		return nil, fmt.Errorf("invalid %s param - an integer zoom value was expected", key)
	}
	if !ok {
		return nil, nil
	}
	return &z, nil
}

func optionalInt(opts tile.Params, key string) (*int, error) {
	n, ok, err := opts.OptionalInt(key, math.MinInt32, math.MaxInt32)
	if err != nil || !ok {
		return nil, err
	}
	return &n, nil
}

func object(opts tile.Params, key string) (map[string]any, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid %s param type %T given, was expecting object", key, v)
	}
	return m, nil
}

func stringMap(opts tile.Params, key string) (map[string]string, error) {
	m, err := object(opts, key)
	if err != nil || m == nil {
		return nil, err
	}
	out, err := cast.ToStringMapStringE(m)
	if err != nil {
		return nil, fmt.Errorf("invalid %s param: %w", key, err)
	}
	return out, nil
}

// numberStrings validates a number or list of numbers and renders each as
// a string. An empty list is treated as unset.
func numberStrings(opts tile.Params, key string) ([]string, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, isList := v.([]any)
	if !isList {
		list = []any{v}
	}
	if len(list) == 0 {
		delete(opts, key)
		return nil, nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if _, isBool := e.(bool); isBool {
			return nil, fmt.Errorf("invalid %s param: expecting a number or an array of numbers", key)
		}
		f, err := cast.ToFloat64E(e)
		if err != nil {
			return nil, fmt.Errorf("invalid %s param: expecting a number or an array of numbers", key)
		}
		out = append(out, strconv.FormatFloat(f, 'f', -1, 64))
	}
	opts[key] = out
	return out, nil
}
