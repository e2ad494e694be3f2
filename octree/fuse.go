package octree

import "github.com/pkg/errors"

// VoxelMeasurement pairs a measurement with the voxel it was observed at.
type VoxelMeasurement struct {
	Coord Coords
	Measurement
}

// FuseBlock applies a batch of measurements to voxels of one block as a
// single critical section and stamps the block with the frame index.
// Measurements for the same voxel serialize through the block lock, so
// overlapping regions fused from different workers are combined, never
// lost. Coarser scales are not recomputed here; integration drivers call
// PropagateBlock once per touched block after the frame's fusion.
func (t *Octree) FuseBlock(block *Octant, frame int64, items []VoxelMeasurement) error {
	if block == nil || !block.IsBlock() {
		return errors.New("fusion target is not a block octant")
	}
	for _, vm := range items {
		if !block.Contains(vm.Coord) {
			return errors.Errorf("voxel (%d, %d, %d) outside block at (%d, %d, %d)",
				vm.Coord.X, vm.Coord.Y, vm.Coord.Z, block.coord.X, block.coord.Y, block.coord.Z)
		}
	}
	b := block.block
	b.mu.Lock()
	for _, vm := range items {
		b.fuseLocked(vm.Coord.Sub(block.coord), vm.Measurement, t.fuse)
	}
	b.mu.Unlock()
	block.touch(frame)
	return nil
}

// Fuse is the single-voxel convenience path: it allocates the containing
// block, fuses the measurement, and recomputes the block's coarser scales.
// Frame-sized batches should go through AllocateBatch/FuseBlock instead.
func (t *Octree) Fuse(c Coords, m Measurement) error {
	block, err := t.Allocate(c)
	if err != nil {
		return err
	}
	if err := t.FuseBlock(block, block.LastUpdated(), []VoxelMeasurement{{Coord: c, Measurement: m}}); err != nil {
		return err
	}
	t.PropagateBlock(block)
	return nil
}

// PropagateBlock recomputes the block's coarser-scale aggregates from its
// scale-0 voxels. A no-op for single-resolution maps and non-block octants.
func (t *Octree) PropagateBlock(block *Octant) {
	if block == nil || !block.IsBlock() {
		return
	}
	b := block.block
	b.mu.Lock()
	b.propagateLocked()
	b.mu.Unlock()
}

// BlockVoxels returns a copy of the block's scale-0 voxel data in x-fastest
// order, or nil if the block has never been written. Intended for
// serialization collaborators walking the tree with Iterate.
func (t *Octree) BlockVoxels(block *Octant) []Data {
	if block == nil || !block.IsBlock() {
		return nil
	}
	b := block.block
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.WrittenAt(0) {
		return nil
	}
	out := make([]Data, len(b.scales[0]))
	copy(out, b.scales[0])
	return out
}

// RestoreBlock overwrites the block's scale-0 voxels with previously
// persisted data, restores its frame stamp, and recomputes aggregates. The
// voxel slice must hold BlockSide^3 entries in x-fastest order.
func (t *Octree) RestoreBlock(block *Octant, stamp int64, voxels []Data) error {
	if block == nil || !block.IsBlock() {
		return errors.New("restore target is not a block octant")
	}
	if len(voxels) != BlockSide*BlockSide*BlockSide {
		return errors.Errorf("expected %d voxels but got %d", BlockSide*BlockSide*BlockSide, len(voxels))
	}
	b := block.block
	b.mu.Lock()
	b.restoreLocked(voxels)
	b.propagateLocked()
	b.mu.Unlock()
	block.touch(stamp)
	return nil
}
