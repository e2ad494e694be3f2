package octree

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// numStripes is the number of creation locks child allocation is partitioned
// over. Power of two so the hash can be masked.
const numStripes = 256

// stripeFor picks the creation lock for a child slot. Hashing the parent
// handle and octant index spreads contention so independent subtrees
// allocate in parallel.
func stripeFor(parent OctantID, idx int) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(parent))
	b[4] = byte(idx)
	return xxhash.Sum64(b[:]) & (numStripes - 1)
}

// Allocate materializes the block octant containing the voxel coordinate,
// creating the full parent chain as needed. It is idempotent: repeated and
// concurrent calls for the same coordinate return the identical octant and
// perform exactly one creation per missing node. Coordinates outside the
// map extent fail with ErrOutOfBounds.
func (t *Octree) Allocate(c Coords) (*Octant, error) {
	if !t.Contains(c) {
		return nil, newOutOfBoundsError(c, t.cfg.Size)
	}
	oct := t.Root()
	for !oct.IsBlock() {
		childSize := oct.size >> 1
		idx := childIndex(c, childSize)
		childID := oct.Child(idx)
		if childID == NoOctant {
			var err error
			childID, err = t.allocateChild(oct, idx, childSize)
			if err != nil {
				return nil, err
			}
		}
		oct = t.arena.get(childID)
	}
	return oct, nil
}

// allocateChild creates the child at idx under a striped lock. The
// double-check after acquiring the lock makes colliding allocations from
// concurrent workers converge on the single octant the winner created.
func (t *Octree) allocateChild(parent *Octant, idx int, childSize int32) (OctantID, error) {
	lock := &t.stripes[stripeFor(parent.id, idx)]
	lock.Lock()
	defer lock.Unlock()
	if id := parent.Child(idx); id != NoOctant {
		return id, nil
	}
	id, err := t.arena.alloc()
	if err != nil {
		return NoOctant, err
	}
	coord := childCoord(parent.coord, idx, childSize)
	t.arena.get(id).init(id, coord, childSize, parent.id, childSize == BlockSide, t.cfg.Resolution)
	parent.setChild(idx, id)
	return id, nil
}

// AllocateBatch materializes the block octants for a frame's worth of voxel
// coordinates, deduplicating coordinates that share a block, and stamps
// every returned block (freshly created or already present) with the frame
// index. It is safe to call concurrently from workers integrating disjoint
// regions of the same frame.
//
// Any failure aborts the batch: allocation performed up to that point
// remains (idempotent re-allocation means a retried frame will not
// duplicate it), but the error must be treated as fatal to the frame.
func (t *Octree) AllocateBatch(frame int64, coords []Coords) ([]*Octant, error) {
	seen := make(map[Coords]struct{}, len(coords))
	blocks := make([]*Octant, 0, len(coords))
	mask := ^(BlockSide - 1)
	for _, c := range coords {
		corner := Coords{c.X & mask, c.Y & mask, c.Z & mask}
		if _, ok := seen[corner]; ok {
			continue
		}
		seen[corner] = struct{}{}
		block, err := t.Allocate(c)
		if err != nil {
			return nil, err
		}
		block.touch(frame)
		blocks = append(blocks, block)
	}
	return blocks, nil
}
