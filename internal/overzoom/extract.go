package overzoom

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"tileproxy/internal/tile"
)

// Extract cuts tile (z, x, y) out of t, which holds ancestor (fz, fx, fy).
// Raster payloads are cropped and scaled back to full size; anything else
// is decoded as a vector tile. The returned tile has its own headers.
func Extract(t *tile.Tile, fz, fx, fy, z, x, y int) (*tile.Tile, error) {
	dz := z - fz
	if dz <= 0 || x>>dz != fx || y>>dz != fy {
		return nil, fmt.Errorf("tile %d/%d/%d is not inside %d/%d/%d", z, x, y, fz, fx, fy)
	}
	out := t.Clone()
	data, compressed, err := tile.Uncompress(t.Data)
	if err != nil {
		return nil, err
	}

	if format := rasterFormat(data); format != "" {
		img, err := extractRaster(data, format, dz, x-fx<<dz, y-fy<<dz)
		if err != nil {
			return nil, err
		}
		if format == tile.WEBP {
			format = tile.PNG
		}
		out.Data = img
		if out.Headers.Get("Content-Type") != "" {
			out.Headers.Set("Content-Type", tile.ContentType(format))
		}
		return out, nil
	}

	pbf, err := extractVector(data, dz, x-fx<<dz, y-fy<<dz)
	if err != nil {
		return nil, err
	}
	if compressed {
		if pbf, err = tile.Compress(pbf); err != nil {
			return nil, err
		}
	}
	out.Data = pbf
	return out, nil
}

func rasterFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return tile.PNG
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return tile.JPG
	case len(data) > 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return tile.WEBP
	}
	return ""
}

// extractRaster scales the (dx, dy) cell of a 2^dz grid over the image up
// to the image's full size.
func extractRaster(data []byte, format string, dz, dx, dy int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s tile: %w", format, err)
	}
	b := src.Bounds()
	cells := 1 << dz
	w := b.Dx() / cells
	h := b.Dy() / cells
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	// deep overzooms land on the same source pixel for many cells
	px := b.Min.X + dx*b.Dx()/cells
	py := b.Min.Y + dy*b.Dy()/cells
	sr := image.Rect(px, py, px+w, py+h).Intersect(b)

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, sr, draw.Src, nil)

	var buf bytes.Buffer
	if format == tile.JPG {
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// extractVector maps every layer from the ancestor's extent onto the
// (dx, dy) cell and clips it to the tile square.
func extractVector(data []byte, dz, dx, dy int) ([]byte, error) {
	layers, err := mvt.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode vector tile: %w", err)
	}
	scale := float64(int(1) << dz)
	out := make(mvt.Layers, 0, len(layers))
	for _, l := range layers {
		extent := float64(l.Extent)
		if extent == 0 {
			extent = 4096
		}
		cell := extent / scale
		ox, oy := float64(dx)*cell, float64(dy)*cell
		transform := func(p orb.Point) orb.Point {
			return orb.Point{(p[0] - ox) * scale, (p[1] - oy) * scale}
		}
		window := orb.Bound{Min: orb.Point{ox, oy}, Max: orb.Point{ox + cell, oy + cell}}

		features := make([]*geojson.Feature, 0, len(l.Features))
		for _, f := range l.Features {
			if f.Geometry == nil || !window.Intersects(f.Geometry.Bound()) {
				continue
			}
			g := clip.Geometry(window, f.Geometry)
			if isEmpty(g) {
				continue
			}
			f.Geometry = project.Geometry(g, transform)
			features = append(features, f)
		}
		if len(features) == 0 {
			continue
		}
		l.Features = features
		out = append(out, l)
	}
	return mvt.Marshal(out)
}

func isEmpty(g orb.Geometry) bool {
	switch g := g.(type) {
	case nil:
		return true
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(g) == 0
	case orb.LineString:
		return len(g) < 2
	case orb.MultiLineString:
		return len(g) == 0
	case orb.Ring:
		return len(g) < 3
	case orb.Polygon:
		return len(g) == 0 || len(g[0]) < 3
	case orb.MultiPolygon:
		return len(g) == 0
	case orb.Collection:
		return len(g) == 0
	case orb.Bound:
		return false
	}
	return false
}
