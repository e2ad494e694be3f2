package octree

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// BlockSide is the side length of a leaf block in voxels. Blocks aggregate
// their voxels at every power-of-two scale from BlockSide down to a single
// value, so a block answers queries at scales 0 through BlockScales-1
// without re-descending the tree.
const (
	BlockSide   = 8
	BlockScales = 4
)

// NoOctant is the zero OctantID. Child slots holding NoOctant are empty.
const NoOctant = OctantID(0)

// OctantID is a stable handle into the octree's octant arena. Handles never
// move or get reused, which makes them safe to cache across queries and
// trivial to serialize.
type OctantID int32

// Coords is an integer voxel coordinate, the lower corner of the cube an
// octant roots. The map spans [0, size) on every axis.
type Coords struct {
	X, Y, Z int
}

// Add returns the component-wise sum of two coordinates.
func (c Coords) Add(o Coords) Coords {
	return Coords{c.X + o.X, c.Y + o.Y, c.Z + o.Z}
}

// Sub returns the component-wise difference of two coordinates.
func (c Coords) Sub(o Coords) Coords {
	return Coords{c.X - o.X, c.Y - o.Y, c.Z - o.Z}
}

// IsEqual tests if two Coords are the same.
func (c Coords) IsEqual(o Coords) bool {
	return c.X == o.X && c.Y == o.Y && c.Z == o.Z
}

const (
	octantActive = 1 << iota
	octantBlock
)

// Octant is a node of the octree, either a structural inner node or a
// data-bearing block at the finest tree depth. Octants are created only by
// the allocation path and live in the octree's arena; all cross-references
// are OctantIDs, with the parent link a weak back-reference used for upward
// traversal.
//
// Child slots and the child mask are updated atomically so readers may
// traverse while allocation is growing a different part of the tree.
type Octant struct {
	stamp    int64 // frame index of last touch, atomic, -1 if never touched
	coord    Coords
	size     int32
	id       OctantID
	parent   OctantID
	children [8]int32 // OctantIDs, atomic
	mask     uint32   // child presence bits, atomic
	flags    uint32   // atomic
	block    *Block   // non-nil iff this is a block octant
}

func (o *Octant) init(id OctantID, coord Coords, size int32, parent OctantID, isBlock bool, res Resolution) {
	o.id = id
	o.coord = coord
	o.size = size
	o.parent = parent
	o.stamp = -1
	flags := uint32(octantActive)
	if isBlock {
		flags |= octantBlock
		o.block = newBlock(res)
	}
	atomic.StoreUint32(&o.flags, flags)
}

// ID returns the octant's handle.
func (o *Octant) ID() OctantID { return o.id }

// Coord returns the lower corner of the octant's cube in voxel units.
func (o *Octant) Coord() Coords { return o.coord }

// Size returns the octant's cube side length in voxels.
func (o *Octant) Size() int { return int(o.size) }

// Parent returns the handle of the octant's parent, or NoOctant for the root.
func (o *Octant) Parent() OctantID { return o.parent }

// IsBlock reports whether the octant is a data-bearing leaf block.
func (o *Octant) IsBlock() bool {
	return atomic.LoadUint32(&o.flags)&octantBlock != 0
}

// IsActive reports whether the octant is reachable for current queries.
func (o *Octant) IsActive() bool {
	return atomic.LoadUint32(&o.flags)&octantActive != 0
}

// LastUpdated returns the frame index the octant was last touched by
// allocation or fusion, or -1 if it has only ever been read.
func (o *Octant) LastUpdated() int64 {
	return atomic.LoadInt64(&o.stamp)
}

func (o *Octant) touch(frame int64) {
	for {
		prev := atomic.LoadInt64(&o.stamp)
		if prev >= frame || atomic.CompareAndSwapInt64(&o.stamp, prev, frame) {
			return
		}
	}
}

// ChildMask returns the 8-bit child presence mask. Bit i is set iff the
// child at octant index i exists.
func (o *Octant) ChildMask() uint8 {
	return uint8(atomic.LoadUint32(&o.mask))
}

// Child returns the handle of the child at the given octant index, or
// NoOctant if it does not exist.
func (o *Octant) Child(idx int) OctantID {
	return OctantID(atomic.LoadInt32(&o.children[idx]))
}

func (o *Octant) setChild(idx int, id OctantID) {
	atomic.StoreInt32(&o.children[idx], int32(id))
	for {
		prev := atomic.LoadUint32(&o.mask)
		if atomic.CompareAndSwapUint32(&o.mask, prev, prev|1<<uint(idx)) {
			return
		}
	}
}

// Contains reports whether the coordinate lies inside the octant's cube.
func (o *Octant) Contains(c Coords) bool {
	return c.X >= o.coord.X && c.X < o.coord.X+int(o.size) &&
		c.Y >= o.coord.Y && c.Y < o.coord.Y+int(o.size) &&
		c.Z >= o.coord.Z && c.Z < o.coord.Z+int(o.size)
}

// childIndex returns the octant index of the child of a cube with the given
// lower corner that contains c. Cube corners are aligned to their size, so
// the child is determined by one bit of each coordinate component.
func childIndex(c Coords, childSize int32) int {
	s := int(childSize)
	idx := 0
	if c.X&s != 0 {
		idx |= 1
	}
	if c.Y&s != 0 {
		idx |= 2
	}
	if c.Z&s != 0 {
		idx |= 4
	}
	return idx
}

// childCoord returns the lower corner of the child at the given octant index.
func childCoord(parent Coords, idx int, childSize int32) Coords {
	s := int(childSize)
	return Coords{
		parent.X + s*(idx&1),
		parent.Y + s*((idx>>1)&1),
		parent.Z + s*((idx>>2)&1),
	}
}

const (
	arenaChunkBits = 12
	arenaChunkSize = 1 << arenaChunkBits
	arenaChunkMask = arenaChunkSize - 1
)

type arenaChunk [arenaChunkSize]Octant

// arena is a chunked store of octants. Octants never move once created, so
// pointers handed out by get remain valid for the life of the tree, and the
// chunk table is swapped atomically so readers never synchronize with
// growth. IDs start at 1; 0 is reserved for NoOctant.
type arena struct {
	mu     sync.Mutex
	count  int32
	limit  int32 // 0 means unbounded
	chunks atomic.Pointer[[]*arenaChunk]
}

func newArena(limit int) *arena {
	a := &arena{limit: int32(limit)}
	chunks := []*arenaChunk{new(arenaChunk)}
	a.chunks.Store(&chunks)
	return a
}

func (a *arena) get(id OctantID) *Octant {
	i := int32(id) - 1
	chunks := *a.chunks.Load()
	return &chunks[i>>arenaChunkBits][i&arenaChunkMask]
}

// alloc reserves the next octant slot and returns its handle. It is called
// with external synchronization per parent slot but may race across
// different parents, hence the arena mutex.
func (a *arena) alloc() (OctantID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.count >= a.limit {
		return NoOctant, errors.Wrapf(ErrAllocation, "octant limit %d reached", a.limit)
	}
	i := a.count
	chunks := *a.chunks.Load()
	if int(i)>>arenaChunkBits >= len(chunks) {
		grown := make([]*arenaChunk, len(chunks)+1)
		copy(grown, chunks)
		grown[len(chunks)] = new(arenaChunk)
		a.chunks.Store(&grown)
	}
	a.count = i + 1
	return OctantID(i + 1), nil
}

func (a *arena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.count)
}
