package octree

import (
	"testing"

	"go.viam.com/test"
)

func TestDataSentinel(t *testing.T) {
	test.That(t, InvalidData().Valid(), test.ShouldBeFalse)
	test.That(t, Data{Value: 0.5}.Valid(), test.ShouldBeFalse)
	test.That(t, Data{Value: 0.5, Weight: 1}.Valid(), test.ShouldBeTrue)
	// a fused zero distance is still valid data
	test.That(t, Data{Value: 0, Weight: 1}.Valid(), test.ShouldBeTrue)
}

func TestTSDFFusionRoundTrip(t *testing.T) {
	// 16^3 map at 1cm resolution per the canonical example: fuse +0.05 at
	// (3,4,5), read it back, fuse -0.02, read the weighted average.
	tree := newTestTree(t, Config{Size: 16, VoxelDim: 0.01, Field: FieldTSDF})
	c := Coords{3, 4, 5}

	test.That(t, tree.Fuse(c, Measurement{Value: 0.05, Weight: 1}), test.ShouldBeNil)
	d := tree.GetData(c)
	test.That(t, d.Valid(), test.ShouldBeTrue)
	test.That(t, d.Value, test.ShouldAlmostEqual, 0.05, 1e-6)
	test.That(t, d.Weight, test.ShouldEqual, 1)

	test.That(t, tree.Fuse(c, Measurement{Value: -0.02, Weight: 1}), test.ShouldBeNil)
	d = tree.GetData(c)
	test.That(t, d.Value, test.ShouldAlmostEqual, (0.05-0.02)/2, 1e-6)
	test.That(t, d.Weight, test.ShouldEqual, 2)
}

func TestTSDFTruncationClamp(t *testing.T) {
	tree := newTestTree(t, Config{Size: 16, VoxelDim: 0.01, Field: FieldTSDF, Truncation: 0.1, MaxWeight: 10})
	c := Coords{1, 1, 1}

	test.That(t, tree.Fuse(c, Measurement{Value: 3.0, Weight: 1}), test.ShouldBeNil)
	d := tree.GetData(c)
	test.That(t, d.Value, test.ShouldAlmostEqual, 0.1, 1e-6)

	test.That(t, tree.Fuse(c, Measurement{Value: -5.0, Weight: 1}), test.ShouldBeNil)
	d = tree.GetData(c)
	test.That(t, d.Value, test.ShouldAlmostEqual, 0, 1e-6)
}

func TestWeightSaturation(t *testing.T) {
	tree := newTestTree(t, Config{Size: 16, VoxelDim: 0.01, Field: FieldTSDF, MaxWeight: 5})
	c := Coords{2, 2, 2}

	for i := 0; i < 20; i++ {
		test.That(t, tree.Fuse(c, Measurement{Value: 0.01, Weight: 1}), test.ShouldBeNil)
		d := tree.GetData(c)
		test.That(t, d.Weight, test.ShouldBeLessThanOrEqualTo, 5)
	}
	test.That(t, tree.GetData(c).Weight, test.ShouldEqual, 5)
}

func TestOccupancyFusion(t *testing.T) {
	tree := newTestTree(t, Config{
		Size: 16, VoxelDim: 0.05, Field: FieldOccupancy,
		MinOccupancy: -2, MaxOccupancy: 2, MaxWeight: 100,
	})
	c := Coords{4, 4, 4}

	test.That(t, tree.Fuse(c, Measurement{Value: 0.85, Weight: 1}), test.ShouldBeNil)
	d := tree.GetData(c)
	test.That(t, d.Value, test.ShouldAlmostEqual, 0.85, 1e-6)

	// log-odds accumulate but clamp at the configured bound
	for i := 0; i < 10; i++ {
		test.That(t, tree.Fuse(c, Measurement{Value: 0.85, Weight: 1}), test.ShouldBeNil)
	}
	d = tree.GetData(c)
	test.That(t, d.Value, test.ShouldAlmostEqual, 2, 1e-6)

	// free-space evidence walks it back down
	for i := 0; i < 20; i++ {
		test.That(t, tree.Fuse(c, Measurement{Value: -0.4, Weight: 1}), test.ShouldBeNil)
	}
	d = tree.GetData(c)
	test.That(t, d.Value, test.ShouldAlmostEqual, -2, 1e-6)
}

func TestFusionOrderInsensitive(t *testing.T) {
	// same measurements, two orders: final weight identical, value equal up
	// to floating-point rounding
	ms := []Measurement{
		{Value: 0.08, Weight: 1},
		{Value: -0.03, Weight: 2},
		{Value: 0.01, Weight: 1.5},
	}

	fuseAll := func(order []int) Data {
		tree := newTestTree(t, Config{Size: 16, VoxelDim: 0.01, Field: FieldTSDF})
		for _, i := range order {
			test.That(t, tree.Fuse(Coords{5, 5, 5}, ms[i]), test.ShouldBeNil)
		}
		return tree.GetData(Coords{5, 5, 5})
	}

	a := fuseAll([]int{0, 1, 2})
	b := fuseAll([]int{2, 0, 1})
	test.That(t, a.Weight, test.ShouldEqual, b.Weight)
	test.That(t, a.Value, test.ShouldAlmostEqual, b.Value, 1e-5)
}
