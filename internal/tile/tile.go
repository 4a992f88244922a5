// Package tile defines the contract every tile source implements, raw
// stores and decorators alike.
package tile

import (
	"context"
	"net/http"
)

// TileSize is the default raster tile edge in pixels.
const TileSize = 256

// Tile formats
const (
	GZIP string = "gzip" // encoding = gzip
	PNG         = "png"
	JPG         = "jpg"
	PBF         = "pbf"
	WEBP        = "webp"
)

// Request types other than TypeTile bypass tile-level logic in decorators.
const (
	TypeTile = "tile"
	TypeGrid = "grid"
)

// Request addresses one tile of a source.
type Request struct {
	Type  string
	Z     int
	X     int
	Y     int
	Scale string
	Lang  string
}

// IsTile reports whether r asks for tile data.
func (r Request) IsTile() bool {
	return r.Type == "" || r.Type == TypeTile
}

// Tile is the payload returned by a source.
type Tile struct {
	Data    []byte
	Headers http.Header
}

// Clone returns a copy that shares Data but owns its headers.
func (t *Tile) Clone() *Tile {
	c := &Tile{Data: t.Data, Headers: make(http.Header)}
	for k, v := range t.Headers {
		c.Headers[k] = append([]string(nil), v...)
	}
	return c
}

// Info is TileJSON-style source metadata.
type Info map[string]any

// Handler is a live tile source. Implementations are shared by concurrent
// callers and keep no per-request state.
type Handler interface {
	Get(ctx context.Context, req Request) (*Tile, error)
	Info(ctx context.Context) (Info, error)
}

// Putter is implemented by sources that can store tiles.
type Putter interface {
	Put(ctx context.Context, z, x, y int, t *Tile) error
}

// QueryOptions selects the tiles streamed by a Querier.
type QueryOptions struct {
	Zoom int
	// GetTiles asks the iterator to fill Item.Tile.
	GetTiles bool
}

// Item is one tile yielded by an Iterator.
type Item struct {
	Zoom    int
	Index   uint64
	Tile    []byte
	Headers http.Header
}

// Iterator streams tiles. Next returns a nil item once exhausted.
type Iterator interface {
	Next(ctx context.Context) (*Item, error)
	Close() error
}

// Querier is implemented by sources that can enumerate their tiles.
type Querier interface {
	Query(ctx context.Context, opts QueryOptions) (Iterator, error)
}

// ContentType maps a tile format to its MIME type.
func ContentType(format string) string {
	switch format {
	case PNG:
		return "image/png"
	case JPG, "jpeg":
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	case PBF, "mvt":
		return "application/x-protobuf"
	case "json", "geojson":
		return "application/json"
	}
	return "application/octet-stream"
}
