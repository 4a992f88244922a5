package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"tileproxy/internal/quadtile"
	"tileproxy/internal/tile"
)

// FileStore keeps tiles in a <dir>/<z>/<x>/<y>.<format> tree.
type FileStore struct {
	dir    string
	format string
	log    logrus.FieldLogger
}

// NewFileStore opens file://<dir>?format=<ext>. The directory is created on
// the first Put.
func NewFileStore(_ context.Context, uri *tile.URI, loader tile.SourceLoader) (tile.Handler, error) {
	dir := location(uri)
	if dir == "" || dir == "." {
		return nil, fmt.Errorf("file uri %q has no directory", uri.Raw)
	}
	format, ok := uri.Query.String("format")
	if !ok {
		format, ok = uri.Query.String("filetype")
	}
	if !ok || format == "" {
		format = tile.PNG
	}
	return &FileStore{
		dir:    dir,
		format: format,
		log:    loader.Logger().WithField("store", "file"),
	}, nil
}

// FileModule registers the file protocol.
func FileModule() *tile.Module {
	return &tile.Module{
		Name: "file",
		Register: func(r tile.Registrar) error {
			return r.Register("file", NewFileStore)
		},
	}
}

func (s *FileStore) path(z, x, y int) string {
	return filepath.Join(s.dir, strconv.Itoa(z), strconv.Itoa(x), fmt.Sprintf("%d.%s", y, s.format))
}

// Get reads one tile file.
func (s *FileStore) Get(_ context.Context, req tile.Request) (*tile.Tile, error) {
	if !req.IsTile() || !quadtile.IsValidTile(req.Z, req.X, req.Y) {
		return nil, tile.ErrNoTile
	}
	data, err := os.ReadFile(s.path(req.Z, req.X, req.Y))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, tile.ErrNoTile
	}
	if err != nil {
		return nil, err
	}
	return &tile.Tile{Data: data, Headers: headers(s.format, data)}, nil
}

// Put writes one tile file, creating directories as needed.
func (s *FileStore) Put(_ context.Context, z, x, y int, t *tile.Tile) error {
	name := s.path(z, x, y)
	if err := os.MkdirAll(filepath.Dir(name), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(name, t.Data, 0o644)
}

// Info describes the directory.
func (s *FileStore) Info(context.Context) (tile.Info, error) {
	return tile.Info{"format": s.format}, nil
}

// Query lists the tiles stored at one zoom.
func (s *FileStore) Query(_ context.Context, opts tile.QueryOptions) (tile.Iterator, error) {
	if !quadtile.IsValidZoom(opts.Zoom) {
		return nil, fmt.Errorf("invalid zoom %d", opts.Zoom)
	}
	zdir := filepath.Join(s.dir, strconv.Itoa(opts.Zoom))
	xs, err := os.ReadDir(zdir)
	if errors.Is(err, fs.ErrNotExist) {
		return &fileIterator{s: s, opts: opts}, nil
	}
	if err != nil {
		return nil, err
	}
	var items []*tile.Item
	suffix := "." + s.format
	for _, xe := range xs {
		x, err := strconv.Atoi(xe.Name())
		if err != nil || !xe.IsDir() {
			continue
		}
		ys, err := os.ReadDir(filepath.Join(zdir, xe.Name()))
		if err != nil {
			return nil, err
		}
		for _, ye := range ys {
			y, err := strconv.Atoi(strings.TrimSuffix(ye.Name(), suffix))
			if err != nil || !strings.HasSuffix(ye.Name(), suffix) {
				continue
			}
			idx, err := quadtile.ToIndex(opts.Zoom, x, y)
			if err != nil {
				s.log.Warnf("Ignoring %s: %v", filepath.Join(zdir, xe.Name(), ye.Name()), err)
				continue
			}
			items = append(items, &tile.Item{Zoom: opts.Zoom, Index: idx})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return &fileIterator{s: s, opts: opts, items: items}, nil
}

type fileIterator struct {
	s     *FileStore
	opts  tile.QueryOptions
	items []*tile.Item
}

func (it *fileIterator) Next(ctx context.Context) (*tile.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(it.items) == 0 {
		return nil, nil
	}
	item := it.items[0]
	it.items = it.items[1:]
	if it.opts.GetTiles {
		x, y, err := quadtile.FromIndex(item.Zoom, item.Index)
		if err != nil {
			return nil, err
		}
		t, err := it.s.Get(ctx, tile.Request{Z: item.Zoom, X: x, Y: y})
		if err != nil {
			return nil, err
		}
		item.Tile = t.Data
		item.Headers = t.Headers
	}
	return item, nil
}

func (it *fileIterator) Close() error {
	it.items = nil
	return nil
}
