package integrator

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-labs/voxelmap/octree"
)

func newTestMap(t *testing.T, cfg octree.Config) *octree.Octree {
	t.Helper()
	tree, err := octree.New(cfg)
	test.That(t, err, test.ShouldBeNil)
	return tree
}

func TestIntegrateFrame(t *testing.T) {
	tree := newTestMap(t, octree.Config{Size: 64, VoxelDim: 0.01, Field: octree.FieldTSDF})
	ig := New(tree, golog.NewTestLogger(t))
	test.That(t, ig.LastFrame(), test.ShouldEqual, -1)

	obs := []Observation{
		{Coord: octree.Coords{X: 3, Y: 4, Z: 5}, Value: 0.05, Weight: 1},
		{Coord: octree.Coords{X: 30, Y: 30, Z: 30}, Value: -0.02, Weight: 1},
		{Coord: octree.Coords{X: 3, Y: 4, Z: 6}, Value: 0.04, Weight: 1},
	}
	test.That(t, ig.IntegrateFrame(context.Background(), 0, obs), test.ShouldBeNil)
	test.That(t, ig.LastFrame(), test.ShouldEqual, 0)

	d := tree.GetData(octree.Coords{X: 3, Y: 4, Z: 5})
	test.That(t, d.Valid(), test.ShouldBeTrue)
	test.That(t, d.Value, test.ShouldAlmostEqual, 0.05, 1e-6)
	d = tree.GetData(octree.Coords{X: 30, Y: 30, Z: 30})
	test.That(t, d.Value, test.ShouldAlmostEqual, -0.02, 1e-6)

	// blocks carry the frame stamp
	block, ok := tree.Fetch(octree.Coords{X: 3, Y: 4, Z: 5})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, block.LastUpdated(), test.ShouldEqual, 0)

	// a later frame updates the stamp and fuses on top
	test.That(t, ig.IntegrateFrame(context.Background(), 3,
		[]Observation{{Coord: octree.Coords{X: 3, Y: 4, Z: 5}, Value: -0.01, Weight: 1}}), test.ShouldBeNil)
	test.That(t, block.LastUpdated(), test.ShouldEqual, 3)
	d = tree.GetData(octree.Coords{X: 3, Y: 4, Z: 5})
	test.That(t, d.Weight, test.ShouldEqual, 2)
}

func TestIntegrateFrameOutOfBounds(t *testing.T) {
	tree := newTestMap(t, octree.Config{Size: 16, VoxelDim: 0.01})
	ig := New(tree, golog.NewTestLogger(t))

	err := ig.IntegrateFrame(context.Background(), 0, []Observation{
		{Coord: octree.Coords{X: 1, Y: 1, Z: 1}, Value: 0.05, Weight: 1},
		{Coord: octree.Coords{X: 1, Y: 1, Z: 16}, Value: 0.05, Weight: 1},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, octree.ErrOutOfBounds), test.ShouldBeTrue)

	// the frame failed as a whole before mutating anything
	test.That(t, tree.NumOctants(), test.ShouldEqual, 1)
	test.That(t, tree.GetData(octree.Coords{X: 1, Y: 1, Z: 1}).Valid(), test.ShouldBeFalse)
	test.That(t, ig.LastFrame(), test.ShouldEqual, -1)
}

func TestIntegrateFrameRejectsNonPositiveWeight(t *testing.T) {
	tree := newTestMap(t, octree.Config{Size: 16, VoxelDim: 0.01})
	ig := New(tree, golog.NewTestLogger(t))

	// a zero-weight measurement would divide by zero in TSDF fusion and
	// store NaN; the frame must be rejected before any mutation instead
	for _, w := range []float32{0, -1} {
		err := ig.IntegrateFrame(context.Background(), 0, []Observation{
			{Coord: octree.Coords{X: 1, Y: 1, Z: 1}, Value: 0.05, Weight: 1},
			{Coord: octree.Coords{X: 2, Y: 2, Z: 2}, Value: 0.05, Weight: w},
		})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "non-positive weight")
	}
	test.That(t, tree.NumOctants(), test.ShouldEqual, 1)
	test.That(t, tree.GetData(octree.Coords{X: 1, Y: 1, Z: 1}).Valid(), test.ShouldBeFalse)
	test.That(t, ig.LastFrame(), test.ShouldEqual, -1)
}

func TestIntegrateFrameAllocationFailure(t *testing.T) {
	tree := newTestMap(t, octree.Config{Size: 16, VoxelDim: 0.01, MaxOctants: 2})
	ig := New(tree, golog.NewTestLogger(t))

	obs := []Observation{
		{Coord: octree.Coords{X: 0, Y: 0, Z: 0}, Value: 0.05, Weight: 1},
		{Coord: octree.Coords{X: 8, Y: 8, Z: 8}, Value: 0.05, Weight: 1},
	}
	err := ig.IntegrateFrame(context.Background(), 0, obs)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, octree.ErrAllocation), test.ShouldBeTrue)

	// partial allocation up to the failure remains, and retrying the frame
	// does not duplicate it
	before := tree.NumOctants()
	test.That(t, before, test.ShouldEqual, 2)
	err = ig.IntegrateFrame(context.Background(), 1, obs)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, tree.NumOctants(), test.ShouldEqual, before)
}

func TestIntegrateSameVoxelCollisions(t *testing.T) {
	// many observations of the same voxel in one frame: applied exactly
	// once each, outcome independent of worker interleaving
	tree := newTestMap(t, octree.Config{Size: 16, VoxelDim: 0.01, MaxWeight: 1000})
	ig := New(tree, golog.NewTestLogger(t), WithWorkers(8))

	const n = 100
	obs := make([]Observation, n)
	for i := range obs {
		obs[i] = Observation{Coord: octree.Coords{X: 5, Y: 5, Z: 5}, Value: 0.02, Weight: 1}
	}
	test.That(t, ig.IntegrateFrame(context.Background(), 0, obs), test.ShouldBeNil)

	d := tree.GetData(octree.Coords{X: 5, Y: 5, Z: 5})
	test.That(t, d.Weight, test.ShouldEqual, n)
	test.That(t, d.Value, test.ShouldAlmostEqual, 0.02, 1e-5)
}

func TestIntegrateParallelDeterministic(t *testing.T) {
	// a large scattered frame fused with 1 worker and with many workers
	// must produce identical weights everywhere
	r := rand.New(rand.NewSource(42))
	obs := make([]Observation, 5000)
	for i := range obs {
		obs[i] = Observation{
			Coord:  octree.Coords{X: r.Intn(64), Y: r.Intn(64), Z: r.Intn(64)},
			Value:  r.Float32()*0.2 - 0.1,
			Weight: 1,
		}
	}

	run := func(workers int) *octree.Octree {
		tree := newTestMap(t, octree.Config{Size: 64, VoxelDim: 0.01, Resolution: octree.MultiRes})
		ig := New(tree, golog.NewTestLogger(t), WithWorkers(workers))
		test.That(t, ig.IntegrateFrame(context.Background(), 0, obs), test.ShouldBeNil)
		return tree
	}

	serial := run(1)
	parallel := run(8)
	for x := 0; x < 64; x += 3 {
		for y := 0; y < 64; y += 5 {
			for z := 0; z < 64; z += 7 {
				c := octree.Coords{X: x, Y: y, Z: z}
				a := serial.GetData(c)
				b := parallel.GetData(c)
				test.That(t, b.Weight, test.ShouldEqual, a.Weight)
				test.That(t, b.Valid(), test.ShouldEqual, a.Valid())
			}
		}
	}
}

func TestIntegrateFramesSequential(t *testing.T) {
	// concurrent IntegrateFrame calls serialize; both frames land fully
	tree := newTestMap(t, octree.Config{Size: 32, VoxelDim: 0.01, MaxWeight: 100})
	ig := New(tree, golog.NewTestLogger(t))

	var wg sync.WaitGroup
	for f := int64(1); f <= 2; f++ {
		wg.Add(1)
		frame := f
		go func() {
			defer wg.Done()
			err := ig.IntegrateFrame(context.Background(), frame, []Observation{
				{Coord: octree.Coords{X: 9, Y: 9, Z: 9}, Value: 0.01, Weight: 1},
			})
			test.That(t, err, test.ShouldBeNil)
		}()
	}
	wg.Wait()

	d := tree.GetData(octree.Coords{X: 9, Y: 9, Z: 9})
	test.That(t, d.Weight, test.ShouldEqual, 2)
	test.That(t, ig.LastFrame(), test.ShouldEqual, 2)
}

func TestIntegrateCanceledContext(t *testing.T) {
	tree := newTestMap(t, octree.Config{Size: 16, VoxelDim: 0.01})
	ig := New(tree, golog.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ig.IntegrateFrame(ctx, 0, []Observation{
		{Coord: octree.Coords{X: 1, Y: 1, Z: 1}, Value: 0.05, Weight: 1},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
