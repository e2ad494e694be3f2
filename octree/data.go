package octree

// FieldKind selects the scalar field a map stores and the fusion rule
// applied to it.
type FieldKind uint8

// The supported field kinds.
const (
	// FieldTSDF stores a truncated signed distance in meters.
	FieldTSDF = FieldKind(iota)
	// FieldOccupancy stores occupancy log-odds.
	FieldOccupancy
)

// Resolution selects whether blocks carry data at a single scale or at
// every scale from 0 to BlockScales-1.
type Resolution uint8

// The supported resolution modes.
const (
	SingleRes = Resolution(iota)
	MultiRes
)

// Data is the fused payload of one voxel (or one coarser-scale cell inside
// a block). A zero weight is the invalid sentinel: no legitimate fusion
// produces it, since every measurement carries positive weight.
type Data struct {
	Value  float32
	Weight float32
}

// InvalidData returns the sentinel returned by queries against unallocated
// or never-written cells.
func InvalidData() Data { return Data{} }

// Valid reports whether the payload holds fused data.
func (d Data) Valid() bool { return d.Weight > 0 }

// Measurement is a single observed value to be fused into a voxel.
type Measurement struct {
	Value  float32
	Weight float32
}

// fuser is the swappable per-voxel update rule. Implementations must be
// order-insensitive up to floating-point rounding and must saturate the
// stored weight at the configured maximum.
type fuser interface {
	fuse(d Data, m Measurement) Data
}

// tsdfFuser fuses truncated signed distances by weighted running average.
// Incoming distances are clamped to the truncation band before averaging.
type tsdfFuser struct {
	truncation float32
	maxWeight  float32
}

func (f tsdfFuser) fuse(d Data, m Measurement) Data {
	v := m.Value
	if v > f.truncation {
		v = f.truncation
	} else if v < -f.truncation {
		v = -f.truncation
	}
	w := d.Weight + m.Weight
	out := Data{
		Value:  (d.Value*d.Weight + v*m.Weight) / w,
		Weight: w,
	}
	if out.Weight > f.maxWeight {
		out.Weight = f.maxWeight
	}
	return out
}

// occupancyFuser accumulates clamped log-odds. The clamp bounds keep a
// voxel recoverable after long streaks of agreeing measurements.
type occupancyFuser struct {
	minOdds   float32
	maxOdds   float32
	maxWeight float32
}

func (f occupancyFuser) fuse(d Data, m Measurement) Data {
	v := d.Value + m.Value*m.Weight
	if v > f.maxOdds {
		v = f.maxOdds
	} else if v < f.minOdds {
		v = f.minOdds
	}
	w := d.Weight + m.Weight
	if w > f.maxWeight {
		w = f.maxWeight
	}
	return Data{Value: v, Weight: w}
}
