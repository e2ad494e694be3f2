// Package integrator drives frame-by-frame fusion of sensor observations
// into a volumetric octree map. A frame's observations (pre-projected
// voxel coordinate plus measurement, produced by the sensor front end) are
// grouped by leaf block, the blocks are allocated through the octree, and
// fusion plus scale propagation fan out over a bounded worker pool.
// Frames integrate strictly sequentially; the map never sees two frames at
// once.
package integrator

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/voxelmap/octree"
)

// Observation is one pre-projected sensor measurement: the voxel it
// applies to and the value/weight to fuse there.
type Observation struct {
	Coord  octree.Coords
	Value  float32
	Weight float32
}

// Option configures an Integrator.
type Option func(*Integrator)

// WithWorkers bounds the fusion worker pool. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(ig *Integrator) {
		if n > 0 {
			ig.workers = n
		}
	}
}

// Integrator owns the write path of one map. Concurrent IntegrateFrame
// calls serialize; readers of previously completed frames may run at any
// time.
type Integrator struct {
	tree    *octree.Octree
	logger  golog.Logger
	workers int

	mu        sync.Mutex
	lastFrame atomic.Int64
}

// New returns an integrator for the given map.
func New(tree *octree.Octree, logger golog.Logger, opts ...Option) *Integrator {
	ig := &Integrator{
		tree:    tree,
		logger:  logger,
		workers: runtime.GOMAXPROCS(0),
	}
	ig.lastFrame.Store(-1)
	for _, opt := range opts {
		opt(ig)
	}
	return ig
}

// LastFrame returns the index of the most recently completed frame, or -1.
func (ig *Integrator) LastFrame() int64 {
	return ig.lastFrame.Load()
}

// IntegrateFrame fuses one frame's observations into the map. The frame
// either fully integrates or fails as a whole: out-of-bounds and
// non-positive-weight observations are rejected before any mutation, and
// allocation failure aborts the
// frame (octants created up to that point remain; re-running the frame
// will not duplicate them). Each observation is applied exactly once;
// same-voxel collisions from overlapping regions serialize through the
// per-block critical section, and the fusion rule makes the outcome
// order-insensitive.
func (ig *Integrator) IntegrateFrame(ctx context.Context, frame int64, obs []Observation) error {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	start := time.Now()

	for _, o := range obs {
		if !ig.tree.Contains(o.Coord) {
			return errors.Wrapf(octree.ErrOutOfBounds, "frame %d observation at (%d, %d, %d)",
				frame, o.Coord.X, o.Coord.Y, o.Coord.Z)
		}
		if o.Weight <= 0 {
			return errors.Errorf("frame %d observation at (%d, %d, %d) has non-positive weight %f",
				frame, o.Coord.X, o.Coord.Y, o.Coord.Z, o.Weight)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	groups := groupByBlock(obs)
	blocks := make([]*octree.Octant, 0, len(groups))
	batches := make([][]octree.VoxelMeasurement, 0, len(groups))
	for corner, items := range groups {
		block, err := ig.tree.Allocate(octree.Coords(corner))
		if err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
		blocks = append(blocks, block)
		batches = append(batches, items)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := ig.forEachBlock(blocks, func(i int, block *octree.Octant) error {
		return ig.tree.FuseBlock(block, frame, batches[i])
	}); err != nil {
		return errors.Wrapf(err, "frame %d fusion", frame)
	}

	if err := ig.forEachBlock(blocks, func(i int, block *octree.Octant) error {
		ig.tree.PropagateBlock(block)
		return nil
	}); err != nil {
		return errors.Wrapf(err, "frame %d propagation", frame)
	}

	if frame > ig.lastFrame.Load() {
		ig.lastFrame.Store(frame)
	}
	ig.logger.Debugw("integrated frame",
		"frame", frame,
		"observations", len(obs),
		"blocks", len(blocks),
		"took", time.Since(start),
	)
	return nil
}

type blockCorner octree.Coords

// groupByBlock buckets observations by the lower corner of their block so
// each bucket touches exactly one critical section.
func groupByBlock(obs []Observation) map[blockCorner][]octree.VoxelMeasurement {
	groups := make(map[blockCorner][]octree.VoxelMeasurement)
	mask := ^(octree.BlockSide - 1)
	for _, o := range obs {
		corner := blockCorner{o.Coord.X & mask, o.Coord.Y & mask, o.Coord.Z & mask}
		groups[corner] = append(groups[corner], octree.VoxelMeasurement{
			Coord:       o.Coord,
			Measurement: octree.Measurement{Value: o.Value, Weight: o.Weight},
		})
	}
	return groups
}

// forEachBlock runs fn over the blocks on the worker pool and combines all
// failures. Workers shard by index; blocks are disjoint so no two workers
// share a critical section.
func (ig *Integrator) forEachBlock(blocks []*octree.Octant, fn func(i int, block *octree.Octant) error) error {
	workers := ig.workers
	if workers > len(blocks) {
		workers = len(blocks)
	}
	if workers <= 1 {
		var err error
		for i, block := range blocks {
			err = multierr.Append(err, fn(i, block))
		}
		return err
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		all   error
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		wCopy := w
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			for i := wCopy; i < len(blocks); i += workers {
				if err := fn(i, blocks[i]); err != nil {
					errMu.Lock()
					all = multierr.Append(all, err)
					errMu.Unlock()
				}
			}
		})
	}
	wg.Wait()
	return all
}
