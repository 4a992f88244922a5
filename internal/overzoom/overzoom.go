// Package overzoom serves missing tiles by cutting them out of the nearest
// ancestor the wrapped source does have.
package overzoom

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/sirupsen/logrus"

	"tileproxy/internal/quadtile"
	"tileproxy/internal/tile"
)

// Scheme is the protocol the resolver is registered under.
const Scheme = "overzoom"

// HeaderFrom records the zoom a tile was actually cut from.
const HeaderFrom = "Overzoom-From"

// DefaultMaxZoom bounds requests when maxzoom is not configured.
const DefaultMaxZoom = 22

// Overzoom wraps a source and walks up the quadtree on misses.
type Overzoom struct {
	source  tile.Handler
	minZoom int
	maxZoom int
	log     logrus.FieldLogger
}

// New builds a resolver from overzoom://?source=<uri>&minzoom=<n>&maxzoom=<n>.
func New(ctx context.Context, uri *tile.URI, loader tile.SourceLoader) (tile.Handler, error) {
	source, err := uri.Query.RequiredString("source", 1)
	if err != nil {
		return nil, fmt.Errorf("uri must include 'source' query parameter: %w", err)
	}
	minZoom, err := uri.Query.Int("minzoom", 0, 0, quadtile.MaxZoom)
	if err != nil {
		return nil, err
	}
	maxZoom, err := uri.Query.Int("maxzoom", DefaultMaxZoom, minZoom, quadtile.MaxZoom)
	if err != nil {
		return nil, err
	}
	h, err := loader.Load(ctx, source)
	if err != nil {
		return nil, err
	}
	return &Overzoom{
		source:  h,
		minZoom: minZoom,
		maxZoom: maxZoom,
		log:     loader.Logger().WithField("protocol", Scheme),
	}, nil
}

// Module registers the overzoom protocol.
func Module() *tile.Module {
	return &tile.Module{
		Name: Scheme,
		Register: func(r tile.Registrar) error {
			return r.Register(Scheme, New)
		},
	}
}

// Get returns the requested tile, or a piece of the closest ancestor at or
// above minzoom. Each ancestor is fetched only after the previous attempt
// missed.
func (o *Overzoom) Get(ctx context.Context, req tile.Request) (*tile.Tile, error) {
	if !req.IsTile() {
		return o.source.Get(ctx, req)
	}

	cur := req
	var t *tile.Tile
	for {
		if cur.Z < o.minZoom || cur.Z > o.maxZoom {
			return nil, tile.ErrNoTile
		}
		var err error
		t, err = o.source.Get(ctx, cur)
		if err == nil {
			break
		}
		if cur.Z <= o.minZoom || !tile.IsNoTile(err) {
			return nil, err
		}
		if cur.Z, cur.X, cur.Y, err = quadtile.Parent(cur.Z, cur.X, cur.Y); err != nil {
			return nil, err
		}
	}

	if cur.Z == req.Z || t == nil || len(t.Data) == 0 {
		return t, nil
	}
	o.log.Debugf("Overzooming %d/%d/%d from %d/%d/%d", req.Z, req.X, req.Y, cur.Z, cur.X, cur.Y)
	out, err := Extract(t, cur.Z, cur.X, cur.Y, req.Z, req.X, req.Y)
	if err != nil {
		return nil, err
	}
	out.Headers.Set(HeaderFrom, strconv.Itoa(cur.Z))
	return out, nil
}

// Info returns the wrapped source's info.
func (o *Overzoom) Info(ctx context.Context) (tile.Info, error) {
	return o.source.Info(ctx)
}

// Close releases the wrapped source when it holds resources.
func (o *Overzoom) Close() error {
	if c, ok := o.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
