package octree

import "github.com/pkg/errors"

var (
	// ErrOutOfBounds is returned when a coordinate lies outside the map
	// extent. The tree never clamps or wraps; callers clip first.
	ErrOutOfBounds = errors.New("coordinate outside map bounds")

	// ErrAllocation is returned when structural growth fails because the
	// configured octant limit was reached. It is fatal to the frame being
	// integrated and is never retried internally.
	ErrAllocation = errors.New("octree allocation failed")
)

func newOutOfBoundsError(c Coords, size int) error {
	return errors.Wrapf(ErrOutOfBounds, "(%d, %d, %d) not in [0, %d)^3", c.X, c.Y, c.Z, size)
}
