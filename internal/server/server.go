// Package server exposes the registry's public sources over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"tileproxy/internal/overzoom"
	"tileproxy/internal/quadtile"
	"tileproxy/internal/sources"
	"tileproxy/internal/tile"
)

// HeaderRequestID carries the id assigned to every request.
const HeaderRequestID = "X-Request-Id"

// tileFileRe matches "<y>[@<scale>x].<format>".
var tileFileRe = regexp.MustCompile(`^(\d+)(?:@([0-9.]+)x)?\.([a-z0-9]+)$`)

// Registry is the part of the source registry the server reads.
type Registry interface {
	GetSourceByID(id string, allowDisabled bool) (*sources.Source, error)
}

// Server serves tiles and TileJSON for public sources.
type Server struct {
	reg     Registry
	metrics *Metrics
	log     logrus.FieldLogger
	timeout time.Duration
}

// Options tunes a Server.
type Options struct {
	// Timeout bounds each request. Zero disables it.
	Timeout time.Duration
}

// New creates a server. metrics may be nil.
func New(reg Registry, metrics *Metrics, log logrus.FieldLogger, opts Options) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{reg: reg, metrics: metrics, log: log, timeout: opts.Timeout}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/{src}/info.json", s.handleInfo)
	r.Get("/{src}/{z:[0-9]+}/{x:[0-9]+}/{file}", s.handleTile)

	return r
}

type ctxKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id, _ = shortid.Generate()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		s.log.WithFields(logrus.Fields{
			"request_id":  RequestID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http_request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// source returns the public, enabled source named by the route, or writes
// an error.
func (s *Server) source(w http.ResponseWriter, r *http.Request) (*sources.Source, bool) {
	id := chi.URLParam(r, "src")
	src, err := s.reg.GetSourceByID(id, false)
	if err != nil {
		var le *sources.LookupError
		if errors.As(err, &le) && le.Disabled {
			s.log.WithError(le.Cause).Warnf("request for disabled source %s", id)
		}
		s.writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if !src.Public {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("source %q is not public", id))
		return nil, false
	}
	return src, true
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	src, ok := s.source(w, r)
	if !ok {
		return
	}
	info, err := src.Handler().Info(r.Context())
	if err != nil {
		s.log.WithError(err).Errorf("info of %s", src.ID)
		s.writeError(w, http.StatusInternalServerError, "unable to read source info")
		return
	}
	out := make(tile.Info, len(info)+2)
	for k, v := range info {
		out[k] = v
	}
	if _, ok := out["tiles"]; !ok {
		format, _ := out["format"].(string)
		if format == "" {
			format = tile.PNG
		}
		if len(src.Formats) > 0 {
			format = src.Formats[0]
		}
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		out["tiles"] = []string{fmt.Sprintf("%s://%s/%s/{z}/{x}/{y}.%s", scheme, r.Host, src.ID, format)}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	src, ok := s.source(w, r)
	if !ok {
		return
	}
	m := tileFileRe.FindStringSubmatch(chi.URLParam(r, "file"))
	if m == nil {
		s.writeError(w, http.StatusNotFound, "invalid tile name")
		return
	}
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(m[1])
	if errZ != nil || errX != nil || errY != nil || !quadtile.IsValidTile(z, x, y) {
		s.writeError(w, http.StatusNotFound, "invalid tile coordinates")
		return
	}
	scale, format := m[2], m[3]
	switch {
	case !src.InZoomRange(z):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("zoom %d is out of range", z))
		return
	case !src.HasFormat(format):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("format %q is not supported", format))
		return
	case scale != "" && !src.HasScale(scale):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("scale %q is not supported", scale))
		return
	}

	t, err := src.Handler().Get(r.Context(), tile.Request{Z: z, X: x, Y: y, Scale: scale})
	switch {
	case tile.IsNoTile(err):
		s.metrics.IncTile(src.ID, "miss")
		s.writeError(w, http.StatusNotFound, "tile not found")
		return
	case err != nil:
		s.metrics.IncTile(src.ID, "error")
		s.log.WithError(err).Errorf("tile %s/%d/%d/%d", src.ID, z, x, y)
		s.writeError(w, http.StatusInternalServerError, "unable to read tile")
		return
	}
	s.metrics.IncTile(src.ID, "hit")
	if t.Headers.Get(overzoom.HeaderFrom) != "" {
		s.metrics.IncOverzoomFallback(src.ID)
	}

	h := w.Header()
	for k, v := range src.DefaultHeaders {
		h.Set(k, v)
	}
	for k, vs := range t.Headers {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	for k, v := range src.Headers {
		h.Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(t.Data)
}
