// Package octree implements a sparse hierarchical volumetric map for
// real-time 3D reconstruction. The tree fuses per-voxel measurements
// (truncated signed distance or occupancy log-odds, each with a saturating
// confidence weight) into leaf blocks, aggregates block data at coarser
// scales, and serves read queries from point lookups to trilinear
// interpolation and gradient estimation with multi-resolution fallback.
//
// Structural growth is safe under concurrent integration workers; reads
// never allocate.
package octree

import (
	"math/bits"
	"sync"

	"github.com/pkg/errors"
)

// Default fusion parameters applied by New when the corresponding Config
// fields are zero.
const (
	DefaultTruncation   = 0.1
	DefaultMaxWeight    = 100
	DefaultMinOccupancy = -5.015
	DefaultMaxOccupancy = 5.015
)

// Config fixes a map's extent, resolution and fusion behavior. All fields
// are immutable once the Octree is constructed.
type Config struct {
	// Size is the map extent per axis in voxels. It must be a power of two
	// and at least BlockSide.
	Size int
	// VoxelDim is the edge length of one voxel in meters.
	VoxelDim float64
	// Resolution selects single- or multi-scale block data.
	Resolution Resolution
	// Field selects the stored scalar field and its fusion rule.
	Field FieldKind
	// Truncation is the TSDF truncation band in meters.
	Truncation float64
	// MaxWeight saturates per-cell fusion weights.
	MaxWeight float32
	// MinOccupancy and MaxOccupancy clamp fused occupancy log-odds.
	MinOccupancy float32
	MaxOccupancy float32
	// MaxOctants bounds structural growth. Zero means unbounded; when the
	// bound is hit, allocation fails with ErrAllocation.
	MaxOctants int
}

// Validate checks the config for structural soundness.
func (c Config) Validate() error {
	if c.Size < BlockSide {
		return errors.Errorf("map size %d smaller than block side %d", c.Size, BlockSide)
	}
	if c.Size&(c.Size-1) != 0 {
		return errors.Errorf("map size %d is not a power of two", c.Size)
	}
	if c.VoxelDim <= 0 {
		return errors.Errorf("invalid voxel dimension %f", c.VoxelDim)
	}
	if c.Truncation < 0 {
		return errors.Errorf("invalid truncation distance %f", c.Truncation)
	}
	if c.MaxWeight < 0 {
		return errors.Errorf("invalid max weight %f", c.MaxWeight)
	}
	if c.MaxOctants < 0 {
		return errors.Errorf("invalid octant limit %d", c.MaxOctants)
	}
	return nil
}

// Octree owns the map: the octant arena rooted at a single top octant
// covering the whole extent, the configuration, and the fusion rule. It is
// the single ownership path for all octants.
type Octree struct {
	cfg     Config
	arena   *arena
	root    OctantID
	fuse    fuser
	stripes [numStripes]sync.Mutex
}

// New constructs an empty map from the config. Zero fusion parameters are
// replaced with the package defaults.
func New(cfg Config) (*Octree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Truncation == 0 {
		cfg.Truncation = DefaultTruncation
	}
	if cfg.MaxWeight == 0 {
		cfg.MaxWeight = DefaultMaxWeight
	}
	if cfg.MinOccupancy == 0 {
		cfg.MinOccupancy = DefaultMinOccupancy
	}
	if cfg.MaxOccupancy == 0 {
		cfg.MaxOccupancy = DefaultMaxOccupancy
	}

	t := &Octree{cfg: cfg, arena: newArena(cfg.MaxOctants)}
	switch cfg.Field {
	case FieldTSDF:
		t.fuse = tsdfFuser{truncation: float32(cfg.Truncation), maxWeight: cfg.MaxWeight}
	case FieldOccupancy:
		t.fuse = occupancyFuser{minOdds: cfg.MinOccupancy, maxOdds: cfg.MaxOccupancy, maxWeight: cfg.MaxWeight}
	default:
		return nil, errors.Errorf("unknown field kind %d", cfg.Field)
	}

	rootID, err := t.arena.alloc()
	if err != nil {
		return nil, err
	}
	t.root = rootID
	t.arena.get(rootID).init(rootID, Coords{}, int32(cfg.Size), NoOctant, cfg.Size == BlockSide, cfg.Resolution)
	return t, nil
}

// Config returns the immutable map configuration.
func (t *Octree) Config() Config { return t.cfg }

// Size returns the map extent per axis in voxels.
func (t *Octree) Size() int { return t.cfg.Size }

// VoxelDim returns the edge length of one voxel in meters.
func (t *Octree) VoxelDim() float64 { return t.cfg.VoxelDim }

// Root returns the root octant. It always exists.
func (t *Octree) Root() *Octant { return t.arena.get(t.root) }

// Octant resolves a handle. The handle must have come from this tree.
func (t *Octree) Octant(id OctantID) *Octant { return t.arena.get(id) }

// NumOctants returns the number of octants ever allocated, root included.
func (t *Octree) NumOctants() int { return t.arena.len() }

// MaxScale returns the coarsest scale queries can fall back to: the block
// scales in multi-resolution mode, only scale 0 otherwise.
func (t *Octree) MaxScale() int {
	if t.cfg.Resolution == MultiRes {
		return BlockScales - 1
	}
	return 0
}

// Contains reports whether the voxel coordinate lies inside the map extent.
func (t *Octree) Contains(c Coords) bool {
	return c.X >= 0 && c.X < t.cfg.Size &&
		c.Y >= 0 && c.Y < t.cfg.Size &&
		c.Z >= 0 && c.Z < t.cfg.Size
}

// scaleOfSize returns the scale a structural octant of the given side
// answers at: log2 of the side length.
func scaleOfSize(size int32) int {
	return bits.Len32(uint32(size)) - 1
}

// Iterate walks the tree depth-first, parents before children, calling fn
// for every octant until fn returns false. Together with per-block voxel
// access this is sufficient to reconstruct the tree exactly.
func (t *Octree) Iterate(fn func(*Octant) bool) {
	t.iterate(t.root, fn)
}

func (t *Octree) iterate(id OctantID, fn func(*Octant) bool) bool {
	oct := t.arena.get(id)
	if !fn(oct) {
		return false
	}
	for i := 0; i < 8; i++ {
		if child := oct.Child(i); child != NoOctant {
			if !t.iterate(child, fn) {
				return false
			}
		}
	}
	return true
}
