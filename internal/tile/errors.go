package tile

import "errors"

// ErrNoTile means the source has no data for the requested tile. It is the
// only error decorators react to; everything else propagates.
var ErrNoTile = errors.New("tile does not exist")

// ErrFiltered means a tile exists but was judged not worth serving.
// errors.Is(ErrFiltered, ErrNoTile) holds.
var ErrFiltered error = filteredError{}

type filteredError struct{}

func (filteredError) Error() string { return "tile does not exist (filtered)" }

func (filteredError) Is(target error) bool { return target == ErrNoTile }

// IsNoTile reports whether err means the tile is absent or suppressed.
func IsNoTile(err error) bool {
	return errors.Is(err, ErrNoTile)
}
