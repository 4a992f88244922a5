// Package quadtile maps tile addresses to flat per-zoom indices and walks
// the quadtree towards its root.
package quadtile

import (
	"fmt"

	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level an index can address.
const MaxZoom = 26

// IsValidZoom reports whether z can be indexed.
func IsValidZoom(z int) bool {
	return z >= 0 && z <= MaxZoom
}

// IsValidTile reports whether x and y lie inside the 2^z grid.
func IsValidTile(z, x, y int) bool {
	if !IsValidZoom(z) {
		return false
	}
	n := 1 << uint(z)
	return x >= 0 && x < n && y >= 0 && y < n
}

// ToIndex encodes (z, x, y) as a single integer unique within zoom z.
func ToIndex(z, x, y int) (uint64, error) {
	if !IsValidTile(z, x, y) {
		return 0, fmt.Errorf("invalid tile %d/%d/%d", z, x, y)
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Quadkey(), nil
}

// FromIndex is the inverse of ToIndex.
func FromIndex(z int, idx uint64) (x, y int, err error) {
	if !IsValidZoom(z) {
		return 0, 0, fmt.Errorf("invalid zoom %d", z)
	}
	if z < 32 && idx >= uint64(1)<<(2*uint(z)) {
		return 0, 0, fmt.Errorf("index %d is out of range for zoom %d", idx, z)
	}
	t := maptile.FromQuadkey(idx, maptile.Zoom(z))
	return int(t.X), int(t.Y), nil
}

// Parent returns the tile one zoom level up that contains (z, x, y).
func Parent(z, x, y int) (int, int, int, error) {
	if z <= 0 {
		return 0, 0, 0, fmt.Errorf("tile %d/%d/%d has no parent", z, x, y)
	}
	p := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Parent()
	return int(p.Z), int(p.X), int(p.Y), nil
}

// Ancestor returns the tile at zoom az that contains (z, x, y).
func Ancestor(z, x, y, az int) (int, int, error) {
	if az < 0 || az > z {
		return 0, 0, fmt.Errorf("zoom %d is not an ancestor of %d/%d/%d", az, z, x, y)
	}
	shift := uint(z - az)
	return x >> shift, y >> shift, nil
}
