// Package mapio persists volumetric octree maps. A snapshot is a bbolt
// database with the map configuration in a meta bucket and one record per
// leaf block, keyed by the Morton code of the block's lower corner, with
// the scale-0 voxel payload lz4-compressed. Loading rebuilds the tree
// through the public allocation path and recomputes coarse-scale
// aggregates, so a loaded map answers every query identically to the saved
// one.
package mapio

import (
	"encoding/binary"
	"math"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"go.uber.org/multierr"

	"github.com/viam-labs/voxelmap/octree"
)

var (
	metaBucket   = []byte("meta")
	blocksBucket = []byte("blocks")
	configKey    = []byte("config")
)

const bytesPerVoxel = 8 // two float32s

type configRecord struct {
	Size         int     `msgpack:"sz"`
	VoxelDim     float64 `msgpack:"vd"`
	Resolution   uint8   `msgpack:"rs"`
	Field        uint8   `msgpack:"fl"`
	Truncation   float64 `msgpack:"tr"`
	MaxWeight    float32 `msgpack:"mw"`
	MinOccupancy float32 `msgpack:"lo"`
	MaxOccupancy float32 `msgpack:"hi"`
	MaxOctants   int     `msgpack:"mo"`
}

type blockRecord struct {
	Coord      [3]int `msgpack:"c"`
	Stamp      int64  `msgpack:"t"`
	Payload    []byte `msgpack:"d"`
	RawLen     int    `msgpack:"n"`
	Compressed bool   `msgpack:"z"`
}

// Save writes a snapshot of the map to path, replacing any existing
// snapshot there.
func Save(path string, tree *octree.Octree) (err error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return errors.Wrap(err, "open snapshot")
	}
	defer func() {
		err = multierr.Combine(err, db.Close())
	}()

	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucket, blocksBucket} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		meta, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		cfg := tree.Config()
		cfgBytes, err := msgpack.Marshal(configRecord{
			Size:         cfg.Size,
			VoxelDim:     cfg.VoxelDim,
			Resolution:   uint8(cfg.Resolution),
			Field:        uint8(cfg.Field),
			Truncation:   cfg.Truncation,
			MaxWeight:    cfg.MaxWeight,
			MinOccupancy: cfg.MinOccupancy,
			MaxOccupancy: cfg.MaxOccupancy,
			MaxOctants:   cfg.MaxOctants,
		})
		if err != nil {
			return err
		}
		if err := meta.Put(configKey, cfgBytes); err != nil {
			return err
		}

		blocks, err := tx.CreateBucket(blocksBucket)
		if err != nil {
			return err
		}
		var saveErr error
		tree.Iterate(func(oct *octree.Octant) bool {
			if !oct.IsBlock() {
				return true
			}
			voxels := tree.BlockVoxels(oct)
			if voxels == nil {
				return true
			}
			rec, err := encodeBlock(oct, voxels)
			if err != nil {
				saveErr = err
				return false
			}
			var key [8]byte
			c := oct.Coord()
			binary.BigEndian.PutUint64(key[:], morton3D(uint32(c.X), uint32(c.Y), uint32(c.Z)))
			if err := blocks.Put(key[:], rec); err != nil {
				saveErr = err
				return false
			}
			return true
		})
		return saveErr
	})
}

// Load reads a snapshot written by Save and reconstructs the map.
func Load(path string) (tree *octree.Octree, err error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	defer func() {
		err = multierr.Combine(err, db.Close())
	}()

	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return errors.New("snapshot has no meta bucket")
		}
		cfgBytes := meta.Get(configKey)
		if cfgBytes == nil {
			return errors.New("snapshot has no map config")
		}
		var rec configRecord
		if err := msgpack.Unmarshal(cfgBytes, &rec); err != nil {
			return errors.Wrap(err, "decode map config")
		}
		tree, err = octree.New(octree.Config{
			Size:         rec.Size,
			VoxelDim:     rec.VoxelDim,
			Resolution:   octree.Resolution(rec.Resolution),
			Field:        octree.FieldKind(rec.Field),
			Truncation:   rec.Truncation,
			MaxWeight:    rec.MaxWeight,
			MinOccupancy: rec.MinOccupancy,
			MaxOccupancy: rec.MaxOccupancy,
			MaxOctants:   rec.MaxOctants,
		})
		if err != nil {
			return err
		}

		blocks := tx.Bucket(blocksBucket)
		if blocks == nil {
			return errors.New("snapshot has no blocks bucket")
		}
		return blocks.ForEach(func(k, v []byte) error {
			return restoreBlock(tree, k, v)
		})
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func encodeBlock(oct *octree.Octant, voxels []octree.Data) ([]byte, error) {
	raw := make([]byte, len(voxels)*bytesPerVoxel)
	for i, d := range voxels {
		binary.LittleEndian.PutUint32(raw[i*bytesPerVoxel:], math.Float32bits(d.Value))
		binary.LittleEndian.PutUint32(raw[i*bytesPerVoxel+4:], math.Float32bits(d.Weight))
	}
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(raw, dst)
	if err != nil {
		return nil, errors.Wrap(err, "compress block payload")
	}
	payload := dst[:n]
	compressed := n > 0 && n < len(raw)
	if !compressed {
		payload = raw
	}
	c := oct.Coord()
	return msgpack.Marshal(blockRecord{
		Coord:      [3]int{c.X, c.Y, c.Z},
		Stamp:      oct.LastUpdated(),
		Payload:    payload,
		RawLen:     len(raw),
		Compressed: compressed,
	})
}

func restoreBlock(tree *octree.Octree, key, value []byte) error {
	var rec blockRecord
	if err := msgpack.Unmarshal(value, &rec); err != nil {
		return errors.Wrap(err, "decode block record")
	}
	coord := octree.Coords{X: rec.Coord[0], Y: rec.Coord[1], Z: rec.Coord[2]}
	x, y, z := mortonDecode3D(binary.BigEndian.Uint64(key))
	if int(x) != coord.X || int(y) != coord.Y || int(z) != coord.Z {
		return errors.Errorf("block key (%d, %d, %d) does not match record coord (%d, %d, %d)",
			x, y, z, coord.X, coord.Y, coord.Z)
	}
	if rec.RawLen%bytesPerVoxel != 0 {
		return errors.Errorf("block at (%d, %d, %d) has malformed payload length %d", coord.X, coord.Y, coord.Z, rec.RawLen)
	}

	raw := rec.Payload
	if rec.Compressed {
		raw = make([]byte, rec.RawLen)
		n, err := lz4.UncompressBlock(rec.Payload, raw)
		if err != nil {
			return errors.Wrapf(err, "decompress block at (%d, %d, %d)", coord.X, coord.Y, coord.Z)
		}
		if n != rec.RawLen {
			return errors.Errorf("block at (%d, %d, %d): expected %d bytes but got %d", coord.X, coord.Y, coord.Z, rec.RawLen, n)
		}
	} else if len(raw) != rec.RawLen {
		return errors.Errorf("block at (%d, %d, %d): expected %d bytes but got %d", coord.X, coord.Y, coord.Z, rec.RawLen, len(raw))
	}

	voxels := make([]octree.Data, rec.RawLen/bytesPerVoxel)
	for i := range voxels {
		voxels[i] = octree.Data{
			Value:  math.Float32frombits(binary.LittleEndian.Uint32(raw[i*bytesPerVoxel:])),
			Weight: math.Float32frombits(binary.LittleEndian.Uint32(raw[i*bytesPerVoxel+4:])),
		}
	}
	block, err := tree.Allocate(coord)
	if err != nil {
		return err
	}
	return tree.RestoreBlock(block, rec.Stamp, voxels)
}
