package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	_ "modernc.org/sqlite"

	"tileproxy/internal/quadtile"
	"tileproxy/internal/tile"
)

const mbtilesSchema = `
CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT);
CREATE UNIQUE INDEX IF NOT EXISTS name ON metadata (name);
`

// MBTiles serves an MBTiles sqlite file. Rows are stored in TMS order, so
// y is flipped on the way in and out.
type MBTiles struct {
	db     *sql.DB
	path   string
	format string
	log    logrus.FieldLogger
}

// NewMBTiles opens mbtiles://<path>. With create=true the schema is created
// when missing, and format=<ext> is recorded in the metadata.
func NewMBTiles(ctx context.Context, uri *tile.URI, loader tile.SourceLoader) (tile.Handler, error) {
	path := location(uri)
	create, err := uri.Query.Bool("create")
	if err != nil {
		return nil, err
	}
	m, err := OpenMBTiles(ctx, path, create, loader.Logger())
	if err != nil {
		return nil, err
	}
	if format, ok := uri.Query.String("format"); ok && create && format != m.format {
		if err := m.SetMetadata(ctx, "format", format); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	return m, nil
}

// OpenMBTiles opens the file at path.
func OpenMBTiles(ctx context.Context, path string, create bool, log logrus.FieldLogger) (*MBTiles, error) {
	// concurrent seeders write through separate connections
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	m := &MBTiles{db: db, path: path, log: log.WithField("store", "mbtiles")}
	if create {
		if _, err := db.ExecContext(ctx, mbtilesSchema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema %s: %w", path, err)
		}
	}
	if err := db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE name = 'format'").Scan(&m.format); err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = db.Close()
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	return m, nil
}

// MBTilesModule registers the mbtiles protocol.
func MBTilesModule() *tile.Module {
	return &tile.Module{
		Name: "mbtiles",
		Register: func(r tile.Registrar) error {
			return r.Register("mbtiles", NewMBTiles)
		},
	}
}

func tmsRow(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

// Get reads one tile.
func (m *MBTiles) Get(ctx context.Context, req tile.Request) (*tile.Tile, error) {
	if !req.IsTile() || !quadtile.IsValidTile(req.Z, req.X, req.Y) {
		return nil, tile.ErrNoTile
	}
	var data []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		req.Z, req.X, tmsRow(req.Z, req.Y)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tile.ErrNoTile
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %d/%d/%d: %w", req.Z, req.X, req.Y, err)
	}
	if len(data) == 0 {
		return nil, tile.ErrNoTile
	}
	return &tile.Tile{Data: data, Headers: headers(m.format, data)}, nil
}

// Put stores one tile, replacing any previous one.
func (m *MBTiles) Put(ctx context.Context, z, x, y int, t *tile.Tile) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
		z, x, tmsRow(z, y), t.Data)
	return err
}

// SetMetadata stores one metadata value.
func (m *MBTiles) SetMetadata(ctx context.Context, name, value string) error {
	_, err := m.db.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)", name, value)
	if err == nil && name == "format" {
		m.format = value
	}
	return err
}

// Info converts the metadata table to TileJSON fields. Numeric and list
// fields are parsed; the json field is merged in.
func (m *MBTiles) Info(ctx context.Context) (tile.Info, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	info := tile.Info{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		switch name {
		case "minzoom", "maxzoom":
			n, err := cast.ToIntE(value)
			if err != nil {
				m.log.Warnf("Ignoring metadata %s=%q", name, value)
				continue
			}
			info[name] = n
		case "bounds", "center":
			var nums []float64
			for _, part := range strings.Split(value, ",") {
				f, err := cast.ToFloat64E(strings.TrimSpace(part))
				if err != nil {
					nums = nil
					break
				}
				nums = append(nums, f)
			}
			if nums == nil {
				m.log.Warnf("Ignoring metadata %s=%q", name, value)
				continue
			}
			info[name] = nums
		case "json":
			var extra map[string]any
			if err := json.Unmarshal([]byte(value), &extra); err != nil {
				m.log.Warnf("Ignoring malformed json metadata: %v", err)
				continue
			}
			for k, v := range extra {
				info[k] = v
			}
		default:
			info[name] = value
		}
	}
	return info, rows.Err()
}

// Query streams the tiles of one zoom.
func (m *MBTiles) Query(ctx context.Context, opts tile.QueryOptions) (tile.Iterator, error) {
	if !quadtile.IsValidZoom(opts.Zoom) {
		return nil, fmt.Errorf("invalid zoom %d", opts.Zoom)
	}
	cols := "tile_column, tile_row"
	if opts.GetTiles {
		cols += ", tile_data"
	}
	rows, err := m.db.QueryContext(ctx, "SELECT "+cols+" FROM tiles WHERE zoom_level = ?", opts.Zoom)
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	return &mbtilesIterator{m: m, rows: rows, opts: opts}, nil
}

// Close closes the database.
func (m *MBTiles) Close() error {
	return m.db.Close()
}

type mbtilesIterator struct {
	m    *MBTiles
	rows *sql.Rows
	opts tile.QueryOptions
}

func (it *mbtilesIterator) Next(context.Context) (*tile.Item, error) {
	for it.rows.Next() {
		var x, row int
		var data []byte
		dest := []any{&x, &row}
		if it.opts.GetTiles {
			dest = append(dest, &data)
		}
		if err := it.rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		idx, err := quadtile.ToIndex(it.opts.Zoom, x, tmsRow(it.opts.Zoom, row))
		if err != nil {
			it.m.log.Warnf("Ignoring tile %d/%d with row %d: %v", it.opts.Zoom, x, row, err)
			continue
		}
		item := &tile.Item{Zoom: it.opts.Zoom, Index: idx}
		if it.opts.GetTiles {
			item.Tile = data
			item.Headers = headers(it.m.format, data)
		}
		return item, nil
	}
	return nil, it.rows.Err()
}

func (it *mbtilesIterator) Close() error {
	return it.rows.Close()
}
