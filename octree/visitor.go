package octree

import (
	"math"

	"github.com/golang/geo/r3"
)

// This file is the query layer: stateless, read-only functions composed
// from the fetcher and the block accessors. Queries against unallocated or
// out-of-map coordinates return the invalid sentinel (or comma-ok false),
// never an error; that is the expected common case and stays cheap.
//
// Float-valued coordinates are in voxel units with the center of voxel
// (i, j, k) at (i+0.5, j+0.5, k+0.5). Gradients are in field units per
// voxel; divide by VoxelDim for metric gradients.

// GetData returns the fused payload of the voxel, or the invalid sentinel
// if the voxel's block is unallocated or the coordinate is outside the map.
func (t *Octree) GetData(c Coords) Data {
	return t.GetDataFrom(nil, c)
}

// GetDataFrom is GetData starting from a previously fetched octant hint.
func (t *Octree) GetDataFrom(hint *Octant, c Coords) Data {
	block, ok := t.FetchFrom(hint, c)
	if !ok {
		return InvalidData()
	}
	return block.block.data(c.Sub(block.coord), 0)
}

// GetDataAtScale returns the payload for the coordinate at the finest
// stored scale that is not finer than scaleDesired, along with the scale
// the data came from. scaleReturned >= scaleDesired always; data above the
// deepest existing octant reads as invalid.
func (t *Octree) GetDataAtScale(c Coords, scaleDesired int) (Data, int) {
	return t.GetDataAtScaleFrom(nil, c, scaleDesired)
}

// GetDataAtScaleFrom is GetDataAtScale starting from an octant hint.
func (t *Octree) GetDataAtScaleFrom(hint *Octant, c Coords, scaleDesired int) (Data, int) {
	oct, scale, ok := t.FetchAtScaleFrom(hint, c, scaleDesired)
	if !ok {
		return InvalidData(), scaleDesired
	}
	if !oct.IsBlock() || scaleDesired >= BlockScales {
		return InvalidData(), scale
	}
	b := oct.block
	s, found := b.finestWrittenAtOrAbove(scaleDesired)
	if !found {
		return InvalidData(), scaleDesired
	}
	return b.data(c.Sub(oct.coord), s), s
}

// GetMaxData returns the most-occupied aggregate for the coordinate at the
// finest stored scale not finer than scaleDesired. Conservative occupancy
// consumers (collision checking) use this so coarse reads never
// underestimate occupancy. Meaningful for multi-resolution occupancy maps;
// elsewhere it degenerates to GetDataAtScale's refinement of scale 0 data.
func (t *Octree) GetMaxData(c Coords, scaleDesired int) (Data, int) {
	return t.GetMaxDataFrom(nil, c, scaleDesired)
}

// GetMaxDataFrom is GetMaxData starting from an octant hint.
func (t *Octree) GetMaxDataFrom(hint *Octant, c Coords, scaleDesired int) (Data, int) {
	oct, scale, ok := t.FetchAtScaleFrom(hint, c, scaleDesired)
	if !ok {
		return InvalidData(), scaleDesired
	}
	if !oct.IsBlock() || scaleDesired >= BlockScales {
		return InvalidData(), scale
	}
	b := oct.block
	s, found := b.finestWrittenAtOrAbove(scaleDesired)
	if !found {
		return InvalidData(), scaleDesired
	}
	return b.maxData(c.Sub(oct.coord), s), s
}

// GetField extracts the scalar field at the voxel. The bool is false if the
// payload is invalid.
func (t *Octree) GetField(c Coords) (float64, bool) {
	return t.GetFieldFrom(nil, c)
}

// GetFieldFrom is GetField starting from an octant hint.
func (t *Octree) GetFieldFrom(hint *Octant, c Coords) (float64, bool) {
	d := t.GetDataFrom(hint, c)
	if !d.Valid() {
		return 0, false
	}
	return float64(d.Value), true
}

// GetFieldAtScale extracts the scalar field at the finest stored scale not
// finer than scaleDesired.
func (t *Octree) GetFieldAtScale(c Coords, scaleDesired int) (float64, int, bool) {
	return t.GetFieldAtScaleFrom(nil, c, scaleDesired)
}

// GetFieldAtScaleFrom is GetFieldAtScale starting from an octant hint.
func (t *Octree) GetFieldAtScaleFrom(hint *Octant, c Coords, scaleDesired int) (float64, int, bool) {
	d, scale := t.GetDataAtScaleFrom(hint, c, scaleDesired)
	if !d.Valid() {
		return 0, scale, false
	}
	return float64(d.Value), scale, true
}

// GetFieldInterp trilinearly interpolates the field over the eight nearest
// voxel centers. If any corner is invalid at the finest scale the whole
// stencil is coarsened together until all eight corners are valid at a
// common scale; if the coarsest scale is exhausted the result is invalid.
func (t *Octree) GetFieldInterp(p r3.Vector) (float64, bool) {
	v, _, ok := t.fieldInterp(p, 0)
	return v, ok
}

// GetFieldInterpAtScale is GetFieldInterp with a scale floor: interpolation
// starts at scaleDesired instead of the finest scale, trading accuracy for
// speed. The returned scale is the one actually used, never finer than
// scaleDesired.
func (t *Octree) GetFieldInterpAtScale(p r3.Vector, scaleDesired int) (float64, int, bool) {
	return t.fieldInterp(p, scaleDesired)
}

// GetFieldGrad estimates the field gradient by central differences of
// interpolated samples offset one cell along each axis. All six samples
// must be valid at a common scale under the same coarsening policy as
// interpolation.
func (t *Octree) GetFieldGrad(p r3.Vector) (r3.Vector, bool) {
	g, _, ok := t.fieldGrad(p, 0)
	return g, ok
}

// GetFieldGradAtScale is GetFieldGrad with a scale floor.
func (t *Octree) GetFieldGradAtScale(p r3.Vector, scaleDesired int) (r3.Vector, int, bool) {
	return t.fieldGrad(p, scaleDesired)
}

func (t *Octree) fieldInterp(p r3.Vector, scaleFloor int) (float64, int, bool) {
	var hint *Octant
	for s := scaleFloor; s <= t.MaxScale(); s++ {
		if v, ok := t.fieldInterpAtScale(p, s, &hint); ok {
			return v, s, true
		}
	}
	return 0, 0, false
}

// fieldInterpAtScale interpolates with all eight corners read at exactly
// the given scale. Any invalid corner invalidates the whole result; no
// partial or extrapolated values.
func (t *Octree) fieldInterpAtScale(p r3.Vector, scale int, hint **Octant) (float64, bool) {
	cell := float64(int(1) << uint(scale))
	sx := p.X/cell - 0.5
	sy := p.Y/cell - 0.5
	sz := p.Z/cell - 0.5
	bx := int(math.Floor(sx))
	by := int(math.Floor(sy))
	bz := int(math.Floor(sz))
	fx := sx - float64(bx)
	fy := sy - float64(by)
	fz := sz - float64(bz)

	var sum float64
	for dz := 0; dz < 2; dz++ {
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				c := Coords{(bx + dx) << uint(scale), (by + dy) << uint(scale), (bz + dz) << uint(scale)}
				d, ok := t.dataAtExactScale(c, scale, hint)
				if !ok {
					return 0, false
				}
				w := lerpWeight(fx, dx) * lerpWeight(fy, dy) * lerpWeight(fz, dz)
				sum += w * float64(d.Value)
			}
		}
	}
	return sum, true
}

// dataAtExactScale reads the payload stored at exactly the given scale,
// threading a block hint across corner reads.
func (t *Octree) dataAtExactScale(c Coords, scale int, hint **Octant) (Data, bool) {
	block, ok := t.FetchFrom(*hint, c)
	if !ok {
		return InvalidData(), false
	}
	*hint = block
	d := block.block.data(c.Sub(block.coord), scale)
	if !d.Valid() {
		return InvalidData(), false
	}
	return d, true
}

func lerpWeight(frac float64, hi int) float64 {
	if hi == 1 {
		return frac
	}
	return 1 - frac
}

func (t *Octree) fieldGrad(p r3.Vector, scaleFloor int) (r3.Vector, int, bool) {
	for s := scaleFloor; s <= t.MaxScale(); s++ {
		var hint *Octant
		step := float64(int(1) << uint(s))
		xp, okxp := t.fieldInterpAtScale(r3.Vector{X: p.X + step, Y: p.Y, Z: p.Z}, s, &hint)
		xm, okxm := t.fieldInterpAtScale(r3.Vector{X: p.X - step, Y: p.Y, Z: p.Z}, s, &hint)
		yp, okyp := t.fieldInterpAtScale(r3.Vector{X: p.X, Y: p.Y + step, Z: p.Z}, s, &hint)
		ym, okym := t.fieldInterpAtScale(r3.Vector{X: p.X, Y: p.Y - step, Z: p.Z}, s, &hint)
		zp, okzp := t.fieldInterpAtScale(r3.Vector{X: p.X, Y: p.Y, Z: p.Z + step}, s, &hint)
		zm, okzm := t.fieldInterpAtScale(r3.Vector{X: p.X, Y: p.Y, Z: p.Z - step}, s, &hint)
		if !(okxp && okxm && okyp && okym && okzp && okzm) {
			continue
		}
		inv := 1 / (2 * step)
		return r3.Vector{
			X: (xp - xm) * inv,
			Y: (yp - ym) * inv,
			Z: (zp - zm) * inv,
		}, s, true
	}
	return r3.Vector{}, 0, false
}
