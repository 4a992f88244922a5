package overzoom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileproxy/internal/tile"
)

// memSource serves fixed tiles and records every zoom it was asked for.
type memSource struct {
	tiles map[string]*tile.Tile
	fail  map[int]error
	calls []int
}

func key(z, x, y int) string { return fmt.Sprintf("%d/%d/%d", z, x, y) }

func (m *memSource) Get(_ context.Context, req tile.Request) (*tile.Tile, error) {
	m.calls = append(m.calls, req.Z)
	if err, ok := m.fail[req.Z]; ok {
		return nil, err
	}
	if t, ok := m.tiles[key(req.Z, req.X, req.Y)]; ok {
		return t, nil
	}
	return nil, tile.ErrNoTile
}

func (m *memSource) Info(context.Context) (tile.Info, error) {
	return tile.Info{"format": "pbf"}, nil
}

type staticLoader struct {
	h    tile.Handler
	uris []string
}

func (l *staticLoader) Load(_ context.Context, uri string) (tile.Handler, error) {
	l.uris = append(l.uris, uri)
	return l.h, nil
}

func (l *staticLoader) Logger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newOverzoom(t *testing.T, src tile.Handler, query string) tile.Handler {
	t.Helper()
	uri, err := tile.ParseURI("overzoom://?source=sourceref:///%3Fref%3Draw" + query)
	require.NoError(t, err)
	loader := &staticLoader{h: src}
	h, err := New(context.Background(), uri, loader)
	require.NoError(t, err)
	require.Equal(t, []string{"sourceref:///?ref=raw"}, loader.uris)
	return h
}

func vectorTile(t *testing.T, gz bool, points ...orb.Point) *tile.Tile {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(p)
		f.Properties["kind"] = "poi"
		fc.Append(f)
	}
	data, err := mvt.Marshal(mvt.Layers{mvt.NewLayer("pois", fc)})
	require.NoError(t, err)
	if gz {
		data, err = tile.Compress(data)
		require.NoError(t, err)
	}
	return &tile.Tile{Data: data, Headers: http.Header{"Content-Type": {"application/x-protobuf"}}}
}

func TestOverzoomDescendant(t *testing.T) {
	src := &memSource{tiles: map[string]*tile.Tile{
		key(5, 2, 3): vectorTile(t, false, orb.Point{10, 10}),
	}}
	h := newOverzoom(t, src, "")

	got, err := h.Get(context.Background(), tile.Request{Z: 8, X: 16, Y: 24})
	require.NoError(t, err)
	assert.Equal(t, "5", got.Headers.Get(HeaderFrom))
	assert.Equal(t, []int{8, 7, 6, 5}, src.calls)
	assert.Empty(t, src.tiles[key(5, 2, 3)].Headers.Get(HeaderFrom))
}

func TestOverzoomNeverDescends(t *testing.T) {
	src := &memSource{tiles: map[string]*tile.Tile{
		key(5, 2, 3): vectorTile(t, false, orb.Point{10, 10}),
	}}
	h := newOverzoom(t, src, "")

	_, err := h.Get(context.Background(), tile.Request{Z: 3, X: 0, Y: 0})
	assert.True(t, errors.Is(err, tile.ErrNoTile))
	assert.Equal(t, []int{3, 2, 1, 0}, src.calls)
}

func TestOverzoomRespectsMinZoom(t *testing.T) {
	src := &memSource{tiles: map[string]*tile.Tile{
		key(4, 0, 0): vectorTile(t, false, orb.Point{10, 10}),
	}}
	h := newOverzoom(t, src, "&minzoom=5")

	_, err := h.Get(context.Background(), tile.Request{Z: 6, X: 0, Y: 0})
	assert.True(t, errors.Is(err, tile.ErrNoTile))
	assert.Equal(t, []int{6, 5}, src.calls)

	src.calls = nil
	_, err = h.Get(context.Background(), tile.Request{Z: 4, X: 0, Y: 0})
	assert.True(t, errors.Is(err, tile.ErrNoTile))
	assert.Empty(t, src.calls)
}

func TestOverzoomRespectsMaxZoom(t *testing.T) {
	src := &memSource{}
	h := newOverzoom(t, src, "&maxzoom=10")

	_, err := h.Get(context.Background(), tile.Request{Z: 11, X: 0, Y: 0})
	assert.True(t, errors.Is(err, tile.ErrNoTile))
	assert.Empty(t, src.calls)
}

func TestOverzoomExactHit(t *testing.T) {
	want := vectorTile(t, true, orb.Point{10, 10})
	src := &memSource{tiles: map[string]*tile.Tile{key(3, 1, 2): want}}
	h := newOverzoom(t, src, "")

	got, err := h.Get(context.Background(), tile.Request{Z: 3, X: 1, Y: 2})
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Empty(t, got.Headers.Get(HeaderFrom))
}

func TestOverzoomPassesThroughNonTileRequests(t *testing.T) {
	src := &memSource{tiles: map[string]*tile.Tile{
		key(30, 0, 0): {Data: []byte("{}")},
	}}
	h := newOverzoom(t, src, "&maxzoom=10")

	got, err := h.Get(context.Background(), tile.Request{Type: tile.TypeGrid, Z: 30})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got.Data))
	assert.Equal(t, []int{30}, src.calls)
}

func TestOverzoomPropagatesErrors(t *testing.T) {
	boom := errors.New("connection reset")
	src := &memSource{fail: map[int]error{7: boom}}
	h := newOverzoom(t, src, "")

	_, err := h.Get(context.Background(), tile.Request{Z: 8, X: 16, Y: 24})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{8, 7}, src.calls)
}

func TestOverzoomTreatsFilteredAsMissing(t *testing.T) {
	src := &memSource{
		tiles: map[string]*tile.Tile{key(6, 0, 0): vectorTile(t, false, orb.Point{1, 1})},
		fail:  map[int]error{7: tile.ErrFiltered},
	}
	h := newOverzoom(t, src, "")

	got, err := h.Get(context.Background(), tile.Request{Z: 7, X: 0, Y: 0})
	require.NoError(t, err)
	assert.Equal(t, "6", got.Headers.Get(HeaderFrom))
}

func TestOverzoomEmptyAncestor(t *testing.T) {
	empty := &tile.Tile{}
	src := &memSource{tiles: map[string]*tile.Tile{key(0, 0, 0): empty}}
	h := newOverzoom(t, src, "")

	got, err := h.Get(context.Background(), tile.Request{Z: 2, X: 1, Y: 1})
	require.NoError(t, err)
	assert.Same(t, empty, got)
}

func TestNewRequiresSource(t *testing.T) {
	uri, err := tile.ParseURI("overzoom://?minzoom=2")
	require.NoError(t, err)
	_, err = New(context.Background(), uri, &staticLoader{})
	assert.ErrorContains(t, err, "source")

	uri, err = tile.ParseURI("overzoom://?source=x&minzoom=abc")
	require.NoError(t, err)
	_, err = New(context.Background(), uri, &staticLoader{})
	assert.ErrorContains(t, err, "minzoom")
}

func TestExtractVector(t *testing.T) {
	parent := vectorTile(t, true, orb.Point{1024, 1024}, orb.Point{3000, 3000})

	got, err := Extract(parent, 0, 0, 0, 1, 0, 0)
	require.NoError(t, err)
	assert.True(t, tile.IsGzipped(got.Data))

	data, _, err := tile.Uncompress(got.Data)
	require.NoError(t, err)
	layers, err := mvt.Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Len(t, layers[0].Features, 1)
	assert.Equal(t, orb.Point{2048, 2048}, layers[0].Features[0].Geometry)
	assert.Equal(t, "poi", layers[0].Features[0].Properties["kind"])

	got, err = Extract(parent, 0, 0, 0, 2, 2, 2)
	require.NoError(t, err)
	data, _, err = tile.Uncompress(got.Data)
	require.NoError(t, err)
	layers, err = mvt.Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, orb.Point{(3000 - 2048) * 4, (3000 - 2048) * 4}, layers[0].Features[0].Geometry)
}

func TestExtractVectorDropsEmptyLayers(t *testing.T) {
	parent := vectorTile(t, false, orb.Point{100, 100})

	got, err := Extract(parent, 3, 1, 1, 4, 3, 3)
	require.NoError(t, err)
	assert.False(t, tile.IsGzipped(got.Data))
	layers, err := mvt.Unmarshal(got.Data)
	require.NoError(t, err)
	assert.Empty(t, layers)
}

func TestExtractRejectsNonDescendant(t *testing.T) {
	_, err := Extract(vectorTile(t, false), 2, 0, 0, 3, 7, 7)
	assert.Error(t, err)
	_, err = Extract(vectorTile(t, false), 2, 0, 0, 2, 0, 0)
	assert.Error(t, err)
}

func TestExtractRaster(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	img := image.NewRGBA(image.Rect(0, 0, tile.TileSize, tile.TileSize))
	for y := 0; y < tile.TileSize; y++ {
		for x := 0; x < tile.TileSize; x++ {
			c := blue
			if x < tile.TileSize/2 && y < tile.TileSize/2 {
				c = red
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	parent := &tile.Tile{Data: buf.Bytes(), Headers: http.Header{"Content-Type": {"image/png"}}}

	got, err := Extract(parent, 4, 2, 2, 5, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.Headers.Get("Content-Type"))

	out, err := png.Decode(bytes.NewReader(got.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, tile.TileSize, tile.TileSize), out.Bounds())
	r, g, b, _ := out.At(tile.TileSize/2, tile.TileSize/2).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Zero(t, g)
	assert.Zero(t, b)

	got, err = Extract(parent, 4, 2, 2, 5, 5, 5)
	require.NoError(t, err)
	out, err = png.Decode(bytes.NewReader(got.Data))
	require.NoError(t, err)
	r, _, b, _ = out.At(10, 10).RGBA()
	assert.Zero(t, r)
	assert.Equal(t, uint32(0xffff), b)
}
