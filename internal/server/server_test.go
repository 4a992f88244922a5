package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileproxy/internal/overzoom"
	"tileproxy/internal/sources"
	"tileproxy/internal/tile"
)

// memHandler has a vector tile for every tile up to zoom 3 and fails at
// zoom 9.
type memHandler struct{ data []byte }

func (h memHandler) Get(_ context.Context, req tile.Request) (*tile.Tile, error) {
	switch {
	case req.Z == 9:
		return nil, errors.New("backend down")
	case req.Z > 3:
		return nil, tile.ErrNoTile
	}
	hdr := http.Header{"Content-Type": {"application/x-protobuf"}}
	if req.Z == 2 {
		hdr.Set("Cache-Control", "no-cache")
	}
	return &tile.Tile{Data: h.data, Headers: hdr}, nil
}

func (h memHandler) Info(context.Context) (tile.Info, error) {
	return tile.Info{"format": "pbf", "attribution": "test"}, nil
}

func memModule(t *testing.T) *tile.Module {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{100, 100}))
	data, err := mvt.Marshal(mvt.Layers{mvt.NewLayer("pois", fc)})
	require.NoError(t, err)
	return &tile.Module{
		Name: "mem",
		Register: func(r tile.Registrar) error {
			return r.Register("mem", func(context.Context, *tile.URI, tile.SourceLoader) (tile.Handler, error) {
				return memHandler{data: data}, nil
			})
		},
	}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	reg, err := sources.New(sources.Options{
		Logger:   log,
		Builtins: []*tile.Module{memModule(t), overzoom.Module()},
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, reg.LoadSource(ctx, "roads", map[string]any{
		"uri":            "mem://",
		"public":         true,
		"maxzoom":        12,
		"formats":        []any{"pbf", "mvt"},
		"scales":         []any{2},
		"defaultHeaders": map[string]any{"Cache-Control": "max-age=60"},
		"headers":        map[string]any{"X-Served-By": "tileproxy"},
	}))
	require.NoError(t, reg.LoadSource(ctx, "private", map[string]any{"uri": "mem://"}))
	require.NoError(t, reg.LoadSource(ctx, "deep", map[string]any{
		"uri":    "overzoom://?source=sourceref:///%3Fref%3Droads",
		"public": true,
	}))
	require.Error(t, reg.LoadSource(ctx, "broken", map[string]any{"uri": "nope://", "public": true}))

	return New(reg, NewMetrics(), log, Options{}).Router()
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestServeTile(t *testing.T) {
	h := newTestServer(t)

	rr := get(h, "/roads/1/0/1.pbf")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/x-protobuf", rr.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=60", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "tileproxy", rr.Header().Get("X-Served-By"))
	assert.NotEmpty(t, rr.Header().Get(HeaderRequestID))
	assert.NotZero(t, rr.Body.Len())

	// tile headers win over defaults
	rr = get(h, "/roads/2/1/1.pbf")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))

	rr = get(h, "/roads/2/1/1@2x.mvt")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServeTileErrors(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/roads/5/0/0.pbf", http.StatusNotFound},
		{"/roads/9/0/0.pbf", http.StatusInternalServerError},
		{"/roads/13/0/0.pbf", http.StatusNotFound},
		{"/roads/1/2/0.pbf", http.StatusNotFound},
		{"/roads/1/0/0.png", http.StatusNotFound},
		{"/roads/1/0/0@3x.pbf", http.StatusNotFound},
		{"/roads/1/0/zero.pbf", http.StatusNotFound},
		{"/private/1/0/0.pbf", http.StatusNotFound},
		{"/unknown/1/0/0.pbf", http.StatusNotFound},
		{"/broken/1/0/0.pbf", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := get(h, tt.path)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestServeOverzoom(t *testing.T) {
	h := newTestServer(t)

	rr := get(h, "/deep/4/0/0.pbf")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "3", rr.Header().Get(overzoom.HeaderFrom))

	layers, err := mvt.Unmarshal(rr.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Len(t, layers[0].Features, 1)
	assert.Equal(t, orb.Point{200, 200}, layers[0].Features[0].Geometry)

	body := get(h, "/metrics").Body.String()
	assert.Contains(t, body, `tileproxy_overzoom_fallbacks_total{source="deep"} 1`)
	assert.Contains(t, body, `tileproxy_tiles_total{outcome="hit",source="deep"} 1`)
}

func TestServeInfo(t *testing.T) {
	h := newTestServer(t)

	rr := get(h, "/roads/info.json")
	require.Equal(t, http.StatusOK, rr.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, "roads", info["name"])
	assert.Equal(t, "test", info["attribution"])
	assert.Equal(t, float64(12), info["maxzoom"])
	assert.Equal(t, []any{"http://example.com/roads/{z}/{x}/{y}.pbf"}, info["tiles"])

	assert.Equal(t, http.StatusNotFound, get(h, "/private/info.json").Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newTestServer(t)

	rr := get(h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true}`, rr.Body.String())

	get(h, "/roads/5/0/0.pbf")
	body := get(h, "/metrics").Body.String()
	assert.Contains(t, body, `tileproxy_tiles_total{outcome="miss",source="roads"} 1`)
	assert.Contains(t, body, fmt.Sprintf(`tileproxy_http_requests_total{method="GET",route=%q,status="404"} 1`, "/{src}/{z:[0-9]+}/{x:[0-9]+}/{file}"))
}

func TestRequestIDIsKept(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "abc123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc123", rr.Header().Get(HeaderRequestID))
}

func TestNilMetricsHandler(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	m.IncTile("a", "hit")
}
