package main

import (
	"context"
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"

	"tileproxy/internal/quadtile"
	"tileproxy/internal/tile"
)

func loadCollection(path string) (orb.Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal feature: %w", err)
	}

	var collection orb.Collection
	for _, f := range fc.Features {
		collection = append(collection, f.Geometry)
	}

	return collection, nil
}

// coverTiles returns the indices of the tiles at zoom z covering c.
func coverTiles(c orb.Collection, z int) (*roaring64.Bitmap, error) {
	set, err := tilecover.Collection(c, maptile.Zoom(z))
	if err != nil {
		return nil, err
	}
	bm := roaring64.New()
	for t := range set {
		idx, err := quadtile.ToIndex(int(t.Z), int(t.X), int(t.Y))
		if err != nil {
			return nil, err
		}
		bm.Add(idx)
	}
	return bm, nil
}

// queryTiles returns the indices of the tiles q holds at zoom z.
func queryTiles(ctx context.Context, q tile.Querier, z int) (*roaring64.Bitmap, error) {
	it, err := q.Query(ctx, tile.QueryOptions{Zoom: z})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	bm := roaring64.New()
	for {
		item, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return bm, nil
		}
		bm.Add(item.Index)
	}
}

// gridTiles returns every index of zoom z.
func gridTiles(z int) *roaring64.Bitmap {
	bm := roaring64.New()
	bm.AddRange(0, uint64(1)<<(2*uint(z)))
	return bm
}

// buildLayers picks the tiles of each zoom: the cover of c when given,
// otherwise what the source can enumerate, otherwise the whole grid.
func buildLayers(ctx context.Context, src tile.Handler, c orb.Collection, minZoom, maxZoom int) ([]Layer, error) {
	var layers []Layer
	for z := minZoom; z <= maxZoom; z++ {
		var (
			bm  *roaring64.Bitmap
			err error
		)
		switch q, ok := src.(tile.Querier); {
		case len(c) > 0:
			bm, err = coverTiles(c, z)
		case ok:
			bm, err = queryTiles(ctx, q, z)
		default:
			bm = gridTiles(z)
		}
		if err != nil {
			return nil, fmt.Errorf("zoom %d: %w", z, err)
		}
		layers = append(layers, Layer{Zoom: z, Count: int64(bm.GetCardinality()), Tiles: bm})
	}
	return layers, nil
}
