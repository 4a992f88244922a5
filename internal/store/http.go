package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tileproxy/internal/tile"
)

// HTTPSource fetches tiles from a URL template containing {z}, {x} and {y}.
type HTTPSource struct {
	template string
	format   string
	client   *http.Client
	log      logrus.FieldLogger
}

// DefaultHTTPTimeout bounds a single upstream fetch.
const DefaultHTTPTimeout = 30 * time.Second

// NewHTTPSource builds a source whose URL template is the resolved uri, so
// configured params and pathname reach the upstream request.
func NewHTTPSource(_ context.Context, uri *tile.URI, loader tile.SourceLoader) (tile.Handler, error) {
	template := urlTemplate(uri)
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, p) {
			return nil, fmt.Errorf("url template %q has no %s placeholder", uri.String(), p)
		}
	}
	return &HTTPSource{
		template: template,
		format:   formatOf(uri.Path),
		client:   &http.Client{Timeout: DefaultHTTPTimeout},
		log:      loader.Logger().WithField("store", "http"),
	}, nil
}

var placeholders = strings.NewReplacer("%7Bz%7D", "{z}", "%7Bx%7D", "{x}", "%7By%7D", "{y}")

func urlTemplate(uri *tile.URI) string {
	u := url.URL{
		Scheme:   uri.Scheme,
		User:     uri.User,
		Host:     uri.Host,
		Path:     uri.Path,
		RawQuery: uri.Values().Encode(),
	}
	return placeholders.Replace(u.String())
}

// HTTPModule registers the http and https protocols.
func HTTPModule() *tile.Module {
	return &tile.Module{
		Name: "http",
		Register: func(r tile.Registrar) error {
			if err := r.Register("http", NewHTTPSource); err != nil {
				return err
			}
			return r.Register("https", NewHTTPSource)
		},
	}
}

// URL expands the template for one tile.
func (s *HTTPSource) URL(z, x, y int) string {
	u := strings.Replace(s.template, "{x}", strconv.Itoa(x), -1)
	u = strings.Replace(u, "{y}", strconv.Itoa(y), -1)
	u = strings.Replace(u, "{z}", strconv.Itoa(z), -1)
	return u
}

// Get fetches one tile. 404 and 204 responses and empty bodies are misses.
func (s *HTTPSource) Get(ctx context.Context, req tile.Request) (*tile.Tile, error) {
	if !req.IsTile() {
		return nil, tile.ErrNoTile
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(req.Z, req.X, req.Y), nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := s.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetch %d/%d/%d: %w", req.Z, req.X, req.Y, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, tile.ErrNoTile
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %d/%d/%d: upstream status %d", req.Z, req.X, req.Y, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %d/%d/%d: %w", req.Z, req.X, req.Y, err)
	}
	if len(body) == 0 {
		return nil, tile.ErrNoTile
	}
	s.log.Debugf("tile(z:%d, x:%d, y:%d), %dms , %.2f kb", req.Z, req.X, req.Y,
		time.Since(start).Milliseconds(), float32(len(body))/1024.0)

	h := headers(s.format, body)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	return &tile.Tile{Data: body, Headers: h}, nil
}

// Info reports the format guessed from the template.
func (s *HTTPSource) Info(context.Context) (tile.Info, error) {
	info := tile.Info{}
	if s.format != "" {
		info["format"] = s.format
	}
	return info, nil
}
