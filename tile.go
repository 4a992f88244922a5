package main

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// ZoomMin 最小级别
const ZoomMin = 0

// ZoomMax 最大级别
const ZoomMax = 22

// Layer 级别&瓦片数. Tiles holds the quadtile indices to seed at Zoom.
type Layer struct {
	Zoom  int
	Count int64
	Tiles *roaring64.Bitmap
}

func (l Layer) String() string {
	return fmt.Sprintf("zoom %d (%d tiles)", l.Zoom, l.Count)
}
