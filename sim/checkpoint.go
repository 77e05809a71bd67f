package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/contact-sim/contact-sim/sim/kernel"
)

// Checkpoint file format, little-endian throughout:
//
//	magic "CSK1" | layout version u64 | step u64 | time f64 | epoch u64 |
//	jitter len u32 | jitter bytes |
//	3 × (buffer len u32 | zstd-compressed float32 bytes) |
//	xxhash64 of everything above
//
// Buffers restore byte-identical: compression is lossless and the float bits
// round-trip untouched. The BVH is not serialized — it is a derived cache,
// rebuilt from the restored positions; only the epoch counter survives so
// epoch monotonicity holds across a resume.

var checkpointMagic = [4]byte{'C', 'S', 'K', '1'}

// Snapshot is a restored checkpoint.
type Snapshot struct {
	Data   *DataSet
	Step   uint64
	Epoch  uint64
	Jitter []byte // serialized Jitter state
}

// Checkpointer persists full simulation state under <dir>/checkpoints.
// Writes are crash-safe: a new checkpoint is written to a temp file, synced,
// then renamed — the previous good checkpoint is never touched in place.
type Checkpointer struct {
	dir string
}

// NewCheckpointer ensures the checkpoint directory exists.
func NewCheckpointer(workspaceDir string) (*Checkpointer, error) {
	dir := filepath.Join(workspaceDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &Checkpointer{dir: dir}, nil
}

// Save durably writes a snapshot and returns its checkpoint ID (the file
// name). The DataSet is read, never retained.
func (c *Checkpointer) Save(ds *DataSet, step uint64, epoch uint64, jitter []byte) (string, error) {
	var payload bytes.Buffer
	payload.Write(checkpointMagic[:])
	le := binary.LittleEndian
	writeU64 := func(v uint64) { _ = binary.Write(&payload, le, v) }
	writeU64(kernel.Version())
	writeU64(step)
	_ = binary.Write(&payload, le, ds.Time)
	writeU64(epoch)
	_ = binary.Write(&payload, le, uint32(len(jitter)))
	payload.Write(jitter)

	for _, buf := range [][]float32{ds.Positions, ds.Velocities, ds.Contacts} {
		compressed, err := compressFloats(buf)
		if err != nil {
			return "", err
		}
		_ = binary.Write(&payload, le, uint32(len(compressed)))
		payload.Write(compressed)
	}

	sum := xxhash.Sum64(payload.Bytes())
	_ = binary.Write(&payload, le, sum)

	id := fmt.Sprintf("step_%08d.ckpt", step)
	final := filepath.Join(c.dir, id)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	if _, err := f.Write(payload.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publishing checkpoint: %w", err)
	}
	logrus.Infof("checkpoint saved: %s (step %d, epoch %d)", id, step, epoch)
	return id, nil
}

// Load restores a checkpoint by ID, verifying integrity before any field is
// trusted. A bad file yields ErrCheckpointCorrupt; earlier checkpoints remain
// on disk as fallback.
func (c *Checkpointer) Load(id string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, id))
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", id, err)
	}
	if len(raw) < len(checkpointMagic)+8 {
		return nil, fmt.Errorf("checkpoint %s truncated: %w", id, ErrCheckpointCorrupt)
	}
	body, trailer := raw[:len(raw)-8], raw[len(raw)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(trailer) {
		return nil, fmt.Errorf("checkpoint %s integrity: %w", id, ErrCheckpointCorrupt)
	}
	r := bytes.NewReader(body)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != checkpointMagic {
		return nil, fmt.Errorf("checkpoint %s magic: %w", id, ErrCheckpointCorrupt)
	}
	le := binary.LittleEndian
	var layout, step, epoch uint64
	var t float64
	for _, dst := range []any{&layout, &step, &t, &epoch} {
		if err := binary.Read(r, le, dst); err != nil {
			return nil, fmt.Errorf("checkpoint %s header: %w", id, ErrCheckpointCorrupt)
		}
	}
	if layout != kernel.Version() {
		return nil, fmt.Errorf("checkpoint %s written with layout %x, driver has %x: %w",
			id, layout, kernel.Version(), ErrCheckpointCorrupt)
	}

	var jitterLen uint32
	if err := binary.Read(r, le, &jitterLen); err != nil {
		return nil, fmt.Errorf("checkpoint %s header: %w", id, ErrCheckpointCorrupt)
	}
	jitter := make([]byte, jitterLen)
	if _, err := io.ReadFull(r, jitter); err != nil {
		return nil, fmt.Errorf("checkpoint %s jitter state: %w", id, ErrCheckpointCorrupt)
	}

	bufs := make([][]float32, 3)
	for i := range bufs {
		var n uint32
		if err := binary.Read(r, le, &n); err != nil {
			return nil, fmt.Errorf("checkpoint %s buffer %d: %w", id, i, ErrCheckpointCorrupt)
		}
		compressed := make([]byte, n)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, fmt.Errorf("checkpoint %s buffer %d: %w", id, i, ErrCheckpointCorrupt)
		}
		if bufs[i], err = decompressFloats(compressed); err != nil {
			return nil, fmt.Errorf("checkpoint %s buffer %d: %w", id, i, ErrCheckpointCorrupt)
		}
	}

	return &Snapshot{
		Data: &DataSet{
			Positions:  bufs[0],
			Velocities: bufs[1],
			Contacts:   bufs[2],
			Generation: step,
			Time:       t,
		},
		Step:   step,
		Epoch:  epoch,
		Jitter: jitter,
	}, nil
}

// Latest returns the newest checkpoint that passes its integrity check,
// skipping corrupt files so a torn final write falls back to the previous
// good one. Empty string when none exist.
func (c *Checkpointer) Latest() (string, *Snapshot, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return "", nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ckpt") {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	for _, id := range ids {
		snap, err := c.Load(id)
		if err != nil {
			logrus.Warnf("skipping checkpoint %s: %v", id, err)
			continue
		}
		return id, snap, nil
	}
	return "", nil, nil
}

func compressFloats(xs []float32) ([]byte, error) {
	raw := make([]byte, 4*len(xs))
	for i, x := range xs {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(x))
	}
	var out bytes.Buffer
	w, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompressFloats(data []byte) ([]float32, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("compressed buffer not float32-aligned")
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
