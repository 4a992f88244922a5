// Package substantial hides vector tiles that carry nothing worth storing,
// so that overzooming from a lower zoom can take their place.
package substantial

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/sirupsen/logrus"

	"tileproxy/internal/quadtile"
	"tileproxy/internal/tile"
)

// Scheme is the protocol the filter is registered under.
const Scheme = "substantial"

// MaxZoom is the highest zoom the filter can be configured for.
const MaxZoom = 22

// DebugTile is fetched at construction in debug mode and served in place
// of filtered tiles.
var DebugTile = tile.Request{Z: 9, X: 156, Y: 190}

// Filter wraps a source and reports insubstantial in-band tiles as
// tile.ErrFiltered.
type Filter struct {
	source  tile.Handler
	minZoom int
	maxZoom int
	// maxSize < 0 disables the size shortcut.
	maxSize int
	layers  []string
	debug   *tile.Tile
	log     logrus.FieldLogger
}

// New builds a filter from
// substantial://?source=<uri>&layers=<a,b>[&minzoom&maxzoom&maxsize&debug].
// The result also implements tile.Querier when the source does.
func New(ctx context.Context, uri *tile.URI, loader tile.SourceLoader) (tile.Handler, error) {
	q := uri.Query
	source, err := q.RequiredString("source", 1)
	if err != nil {
		return nil, fmt.Errorf("uri must include 'source' query parameter: %w", err)
	}
	f := &Filter{maxSize: -1, log: loader.Logger().WithField("protocol", Scheme)}
	if f.minZoom, err = q.Int("minzoom", 0, 0, MaxZoom); err != nil {
		return nil, err
	}
	if f.maxZoom, err = q.Int("maxzoom", MaxZoom, f.minZoom+1, MaxZoom); err != nil {
		return nil, err
	}
	if size, ok, err := q.OptionalInt("maxsize", 0, math.MaxInt32); err != nil {
		return nil, err
	} else if ok {
		f.maxSize = size
	}
	if f.layers, err = q.Strings("layers", 1); err != nil {
		return nil, err
	}
	debug, err := q.Bool("debug")
	if err != nil {
		return nil, err
	}

	if f.source, err = loader.Load(ctx, source); err != nil {
		return nil, err
	}
	if debug {
		if f.debug, err = f.source.Get(ctx, DebugTile); err != nil {
			return nil, fmt.Errorf("debug tile %d/%d/%d: %w", DebugTile.Z, DebugTile.X, DebugTile.Y, err)
		}
	}
	if qs, ok := f.source.(tile.Querier); ok {
		return &queryFilter{Filter: f, q: qs}, nil
	}
	return f, nil
}

// Module registers the substantial protocol.
func Module() *tile.Module {
	return &tile.Module{
		Name: Scheme,
		Register: func(r tile.Registrar) error {
			return r.Register(Scheme, New)
		},
	}
}

func (f *Filter) inBand(z int) bool {
	return z >= f.minZoom && z <= f.maxZoom
}

// Get fetches the tile and, inside the zoom band, tests it.
func (f *Filter) Get(ctx context.Context, req tile.Request) (*tile.Tile, error) {
	t, err := f.source.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	if !req.IsTile() || !f.inBand(req.Z) {
		return t, nil
	}
	if err := f.Test(t.Data); err != nil {
		if f.debug != nil && tile.IsNoTile(err) {
			return f.debug, nil
		}
		return nil, err
	}
	return t, nil
}

// Test returns nil when data is worth keeping and tile.ErrFiltered when it
// is empty or holds nothing but placeholder layers. Payloads of at least
// maxsize bytes pass without decoding.
func (f *Filter) Test(data []byte) error {
	if len(data) == 0 {
		return tile.ErrFiltered
	}
	if f.maxSize >= 0 && len(data) >= f.maxSize {
		return nil
	}
	pbf, _, err := tile.Uncompress(data)
	if err != nil {
		return err
	}
	layers, err := mvt.Unmarshal(pbf)
	if err != nil {
		return fmt.Errorf("decode vector tile: %w", err)
	}
	empty := true
	for _, l := range layers {
		if len(l.Features) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return tile.ErrFiltered
	}
	// Featureless layers still count towards the layer names.
	if len(layers) == 1 && contains(f.layers, layers[0].Name) {
		return tile.ErrFiltered
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// Info returns the wrapped source's info.
func (f *Filter) Info(ctx context.Context) (tile.Info, error) {
	return f.source.Info(ctx)
}

// Close releases the wrapped source when it holds resources.
func (f *Filter) Close() error {
	if c, ok := f.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type queryFilter struct {
	*Filter
	q tile.Querier
}

// Query filters in-band zooms and hands out-of-band zooms straight to the
// source.
func (f *queryFilter) Query(ctx context.Context, opts tile.QueryOptions) (tile.Iterator, error) {
	if !f.inBand(opts.Zoom) {
		return f.q.Query(ctx, opts)
	}
	opts.GetTiles = true
	it, err := f.q.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &iterator{Iterator: it, f: f.Filter}, nil
}

type iterator struct {
	tile.Iterator
	f *Filter
}

func (it *iterator) Next(ctx context.Context) (*tile.Item, error) {
	for {
		item, err := it.Iterator.Next(ctx)
		if err != nil || item == nil {
			return item, err
		}
		err = it.f.Test(item.Tile)
		if err == nil {
			return item, nil
		}
		if !tile.IsNoTile(err) {
			return nil, err
		}
		if x, y, ierr := quadtile.FromIndex(item.Zoom, item.Index); ierr == nil {
			it.f.log.Debugf("Skipping insubstantial tile %d/%d/%d", item.Zoom, x, y)
		}
	}
}
