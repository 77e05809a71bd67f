package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeFloats writes a packed little-endian float32 array file.
func writeFloats(t *testing.T, path string, xs []float32) {
	t.Helper()
	raw := make([]byte, 4*len(xs))
	for i, x := range xs {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(x))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// writeIndices writes a packed little-endian uint64 array file.
func writeIndices(t *testing.T, path string, xs []uint64) {
	t.Helper()
	raw := make([]byte, 8*len(xs))
	for i, x := range xs {
		binary.LittleEndian.PutUint64(raw[8*i:], x)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// clothManifest is the session.yaml used by the fixture bundle: a 3×3 cloth
// grid suspended above a floor collider, two corner pins, and one ramp.
const clothManifest = `version: 1
name: cloth-fixture
geometry:
  vertices: {file: vertices.bin, count: 9}
  triangles: {file: triangles.bin, count: 8}
params:
  density: {file: density.bin, count: 8}
  contact-gap: {file: gap.bin, count: 8}
  stiffness: {file: stiffness.bin, count: 8}
collider:
  vertices: {file: collider_vertices.bin, count: 4}
  triangles: {file: collider_triangles.bin, count: 2}
  friction: {file: collider_friction.bin, count: 2}
pins:
  - vertices: [0, 2]
    ramp: pull
    offset: [0, 0.1, 0]
ramps:
  - name: pull
    start-time: 0
    end-time: 1
    start-value: 0
    end-value: 1
    easing: smoothstep
`

// writeClothBundle writes the fixture session bundle and returns its path.
func writeClothBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// 3×3 grid in the xz-plane at y = 0.5, spacing 0.25.
	var positions []float32
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			positions = append(positions, float32(i)*0.25, 0.5, float32(j)*0.25)
		}
	}
	writeFloats(t, filepath.Join(dir, "vertices.bin"), positions)

	vid := func(i, j int) uint64 { return uint64(j*3 + i) }
	var tris []uint64
	for j := 0; j < 2; j++ {
		for i := 0; i < 2; i++ {
			tris = append(tris, vid(i, j), vid(i+1, j), vid(i, j+1))
			tris = append(tris, vid(i+1, j), vid(i+1, j+1), vid(i, j+1))
		}
	}
	writeIndices(t, filepath.Join(dir, "triangles.bin"), tris)

	ones := make([]float32, 8)
	gaps := make([]float32, 8)
	for i := range ones {
		ones[i] = 1
		gaps[i] = 0.05
	}
	writeFloats(t, filepath.Join(dir, "density.bin"), ones)
	writeFloats(t, filepath.Join(dir, "gap.bin"), gaps)
	writeFloats(t, filepath.Join(dir, "stiffness.bin"), ones)

	// Floor at y = 0, large enough to catch the whole cloth.
	writeFloats(t, filepath.Join(dir, "collider_vertices.bin"), []float32{
		-1, 0, -1,
		1, 0, -1,
		1, 0, 1,
		-1, 0, 1,
	})
	writeIndices(t, filepath.Join(dir, "collider_triangles.bin"), []uint64{0, 1, 2, 0, 2, 3})
	writeFloats(t, filepath.Join(dir, "collider_friction.bin"), []float32{0.5, 0.5})

	if err := os.WriteFile(filepath.Join(dir, "session.yaml"), []byte(clothManifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return dir
}

// testConfig returns a driver configuration pointed at a fresh workspace.
func testConfig(t *testing.T, bundle string) Config {
	t.Helper()
	cfg := NewConfig()
	cfg.Session = bundle
	cfg.Output.Dir = filepath.Join(t.TempDir(), "workspace")
	cfg.Step.Frames = 10
	cfg.Output.CheckpointEvery = 0
	cfg.Output.FrameEvery = 0
	return cfg
}

// positionsBits renders a float32 buffer as exact bit patterns for
// byte-identity comparisons.
func positionsBits(xs []float32) []uint32 {
	out := make([]uint32, len(xs))
	for i, x := range xs {
		out[i] = math.Float32bits(x)
	}
	return out
}

// corruptFile flips one byte in the middle of a file.
func corruptFile(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewriting %s: %v", path, err)
	}
}

// manifestWithCounts renders a minimal manifest used by capacity tests.
func manifestWithCounts(vertices, triangles uint64) string {
	return fmt.Sprintf(`version: 1
name: capacity
geometry:
  vertices: {file: vertices.bin, count: %d}
  triangles: {file: triangles.bin, count: %d}
`, vertices, triangles)
}
