package mapio

// 3D Morton codes give block records a stable total order that keeps
// spatially close blocks close on disk and is compatible with
// parent-before-children reconstruction.

func part1By2(x uint64) uint64 {
	x &= 0x1fffff
	x = (x | (x << 32)) & 0x1f00000000ffff
	x = (x | (x << 16)) & 0x1f0000ff0000ff
	x = (x | (x << 8)) & 0x100f00f00f00f00f
	x = (x | (x << 4)) & 0x10c30c30c30c30c3
	x = (x | (x << 2)) & 0x1249249249249249
	return x
}

func compact1By2(x uint64) uint64 {
	x &= 0x1249249249249249
	x = (x ^ (x >> 2)) & 0x10c30c30c30c30c3
	x = (x ^ (x >> 4)) & 0x100f00f00f00f00f
	x = (x ^ (x >> 8)) & 0x1f0000ff0000ff
	x = (x ^ (x >> 16)) & 0x1f00000000ffff
	x = (x ^ (x >> 32)) & 0x1fffff
	return x
}

// morton3D interleaves the low 21 bits of each component.
func morton3D(x, y, z uint32) uint64 {
	return part1By2(uint64(x)) | part1By2(uint64(y))<<1 | part1By2(uint64(z))<<2
}

// mortonDecode3D inverts morton3D.
func mortonDecode3D(code uint64) (x, y, z uint32) {
	return uint32(compact1By2(code)), uint32(compact1By2(code >> 1)), uint32(compact1By2(code >> 2))
}
