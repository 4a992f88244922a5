// Package store holds the protocols that read tiles from real storage:
// directories, HTTP tile servers, MBTiles files and PostgreSQL.
package store

import (
	"net/http"
	"path/filepath"
	"strings"

	"tileproxy/internal/tile"
)

// Modules returns the catalog of storage modules configuration may list.
func Modules() []*tile.Module {
	return []*tile.Module{
		FileModule(),
		HTTPModule(),
		MBTilesModule(),
		PostgresModule(),
	}
}

// location joins the host and path of uri into a filesystem path, anchored
// at the directory of the document the uri came from when relative.
func location(uri *tile.URI) string {
	p := uri.Path
	if uri.Host != "" && uri.Host != "/" {
		p = uri.Host + p
	}
	if p != "" && !filepath.IsAbs(p) && uri.Base != "" {
		p = filepath.Join(uri.Base, p)
	}
	return filepath.Clean(p)
}

// headers builds the response headers of a stored payload.
func headers(format string, data []byte) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", tile.ContentType(format))
	if tile.IsGzipped(data) {
		h.Set("Content-Encoding", tile.GZIP)
	}
	return h
}

// formatOf guesses a tile format from a file name or URL template.
func formatOf(name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	switch ext {
	case "jpeg":
		return tile.JPG
	case "mvt":
		return tile.PBF
	}
	return ext
}
