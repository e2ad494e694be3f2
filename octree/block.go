package octree

import "sync"

// Block owns the fused data of a leaf octant's cube: one Data per voxel at
// scale 0 plus, in multi-resolution mode, aggregated data (and a
// most-occupied aggregate for conservative consumers) at every coarser
// scale inside the block.
//
// All mutation happens under the block mutex; a frame's fusion of this
// block is one critical section, so concurrent fusion of the same voxel
// from overlapping regions serializes instead of losing updates. Reads are
// lock-free and rely on integration and queries of the same block not
// overlapping within a frame, which the integration driver guarantees.
type Block struct {
	mu      sync.Mutex
	res     Resolution
	scales  [BlockScales][]Data
	maxes   [BlockScales][]Data
	written uint8 // bit s set iff scale s was ever written
}

func newBlock(res Resolution) *Block {
	b := &Block{res: res}
	n := BlockScales
	if res == SingleRes {
		n = 1
	}
	for s := 0; s < n; s++ {
		side := BlockSide >> uint(s)
		b.scales[s] = make([]Data, side*side*side)
		if s > 0 {
			b.maxes[s] = make([]Data, side*side*side)
		}
	}
	return b
}

// scaleIndex maps a block-local voxel coordinate to the cell index at the
// given scale. Cells are laid out x-fastest, matching the voxel order the
// serialization collaborator persists.
func scaleIndex(local Coords, scale int) int {
	side := BlockSide >> uint(scale)
	x := local.X >> uint(scale)
	y := local.Y >> uint(scale)
	z := local.Z >> uint(scale)
	return x + side*(y+side*z)
}

// WrittenAt reports whether the given scale's slot was ever written, either
// by fusion (scale 0) or by aggregation.
func (b *Block) WrittenAt(scale int) bool {
	return b.written&(1<<uint(scale)) != 0
}

// data returns the payload for the block-local coordinate at the given
// scale. Unwritten scales read as the invalid sentinel.
func (b *Block) data(local Coords, scale int) Data {
	if scale >= len(b.scales) || b.scales[scale] == nil || !b.WrittenAt(scale) {
		return InvalidData()
	}
	return b.scales[scale][scaleIndex(local, scale)]
}

// maxData returns the most-occupied aggregate for the block-local
// coordinate at the given scale. Scale 0 has no separate aggregate; the
// voxel data is its own maximum.
func (b *Block) maxData(local Coords, scale int) Data {
	if scale == 0 {
		return b.data(local, 0)
	}
	if scale >= len(b.scales) || b.maxes[scale] == nil || !b.WrittenAt(scale) {
		return InvalidData()
	}
	return b.maxes[scale][scaleIndex(local, scale)]
}

// finestWrittenAtOrAbove returns the finest written scale that is not finer
// than the desired one, and whether any such scale exists.
func (b *Block) finestWrittenAtOrAbove(scale int) (int, bool) {
	top := len(b.scales)
	for s := scale; s < top; s++ {
		if b.scales[s] != nil && b.WrittenAt(s) {
			return s, true
		}
	}
	return scale, false
}

func (b *Block) fuseLocked(local Coords, m Measurement, f fuser) {
	cell := &b.scales[0][scaleIndex(local, 0)]
	*cell = f.fuse(*cell, m)
	b.written |= 1
}

func (b *Block) restoreLocked(voxels []Data) {
	copy(b.scales[0], voxels)
	b.written |= 1
}

// propagateLocked recomputes every coarser scale from scale 0 upward. A
// coarse cell is the weight-averaged fusion of its valid children and is
// valid iff at least one child is; the max aggregate keeps the single
// most-occupied child.
func (b *Block) propagateLocked() {
	if b.res != MultiRes || !b.WrittenAt(0) {
		return
	}
	for s := 1; s < BlockScales; s++ {
		side := BlockSide >> uint(s)
		fineSide := side << 1
		fine := b.scales[s-1]
		any := false
		for z := 0; z < side; z++ {
			for y := 0; y < side; y++ {
				for x := 0; x < side; x++ {
					var sumW, sumWV float64
					maxChild := InvalidData()
					var valid int
					for dz := 0; dz < 2; dz++ {
						for dy := 0; dy < 2; dy++ {
							for dx := 0; dx < 2; dx++ {
								child := fine[(2*x+dx)+fineSide*((2*y+dy)+fineSide*(2*z+dz))]
								if !child.Valid() {
									continue
								}
								valid++
								sumW += float64(child.Weight)
								sumWV += float64(child.Weight) * float64(child.Value)
								if !maxChild.Valid() || child.Value > maxChild.Value {
									maxChild = child
								}
							}
						}
					}
					i := x + side*(y+side*z)
					if valid == 0 {
						b.scales[s][i] = InvalidData()
						b.maxes[s][i] = InvalidData()
						continue
					}
					any = true
					b.scales[s][i] = Data{
						Value:  float32(sumWV / sumW),
						Weight: float32(sumW / float64(valid)),
					}
					b.maxes[s][i] = maxChild
				}
			}
		}
		if any {
			b.written |= 1 << uint(s)
		}
	}
}
