package octree

// This file is the read-only traversal layer: it locates octants but never
// allocates. Child slots are read atomically, so fetches may run while
// other subtrees are being grown.

// Fetch returns the block octant containing the voxel coordinate. The
// second return is false if the block does not exist or the coordinate is
// outside the map.
func (t *Octree) Fetch(c Coords) (*Octant, bool) {
	if !t.Contains(c) {
		return nil, false
	}
	return t.descend(t.Root(), c)
}

// FetchFrom behaves like Fetch but starts from a previously fetched octant.
// If the hint's cube contains the coordinate the root descent is skipped
// entirely; otherwise the search ascends parent links to the lowest
// ancestor containing the coordinate and descends from there. Spatially
// coherent query batches (scanlines, ray marching) hit the short-circuit
// almost always.
func (t *Octree) FetchFrom(hint *Octant, c Coords) (*Octant, bool) {
	if !t.Contains(c) {
		return nil, false
	}
	if hint == nil {
		return t.descend(t.Root(), c)
	}
	if hint.IsBlock() && hint.Contains(c) {
		return hint, true
	}
	return t.descend(t.ascend(hint, c), c)
}

// FetchAtScale descends toward the desired scale and returns the octant
// reached together with the scale it answers at: scaleDesired if the
// descent got that deep, the scale of the last existing octant on the path
// otherwise. scaleReturned is never finer than scaleDesired. The bool is
// false only for out-of-map coordinates.
func (t *Octree) FetchAtScale(c Coords, scaleDesired int) (*Octant, int, bool) {
	if !t.Contains(c) {
		return nil, 0, false
	}
	return t.descendToScale(t.Root(), c, scaleDesired)
}

// FetchAtScaleFrom is FetchAtScale with a starting hint, under the same
// containment short-circuit as FetchFrom.
func (t *Octree) FetchAtScaleFrom(hint *Octant, c Coords, scaleDesired int) (*Octant, int, bool) {
	if !t.Contains(c) {
		return nil, 0, false
	}
	start := t.Root()
	if hint != nil {
		if hint.IsBlock() && hint.Contains(c) {
			return t.descendToScale(hint, c, scaleDesired)
		}
		start = t.ascend(hint, c)
	}
	return t.descendToScale(start, c, scaleDesired)
}

// ascend walks parent links from the hint to the lowest octant whose cube
// contains the coordinate. The root contains every in-map coordinate, so
// the walk always terminates.
func (t *Octree) ascend(from *Octant, c Coords) *Octant {
	oct := from
	for !oct.Contains(c) {
		oct = t.arena.get(oct.parent)
	}
	return oct
}

// descend walks down to the block containing c, reporting failure at the
// first missing child.
func (t *Octree) descend(from *Octant, c Coords) (*Octant, bool) {
	oct := from
	for !oct.IsBlock() {
		id := oct.Child(childIndex(c, oct.size>>1))
		if id == NoOctant {
			return nil, false
		}
		oct = t.arena.get(id)
	}
	return oct, true
}

// descendToScale walks down until the desired scale is reached or an octant
// with no further children on the path is hit, whichever comes first.
func (t *Octree) descendToScale(from *Octant, c Coords, scaleDesired int) (*Octant, int, bool) {
	oct := from
	for {
		if oct.IsBlock() {
			return oct, scaleDesired, true
		}
		scale := scaleOfSize(oct.size)
		if scale <= scaleDesired {
			return oct, scale, true
		}
		id := oct.Child(childIndex(c, oct.size>>1))
		if id == NoOctant {
			return oct, scale, true
		}
		oct = t.arena.get(id)
	}
}
