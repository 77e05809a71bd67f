package sim

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SessionManifest mirrors session.yaml at the root of a session bundle. It
// names the binary array files and their expected counts; loading narrows
// on-disk uint64 indices to the in-core uint32 representation.
type SessionManifest struct {
	Version  int           `yaml:"version"`
	Name     string        `yaml:"name"`
	Geometry GeometrySpec  `yaml:"geometry"`
	Params   ParamSpec     `yaml:"params"`
	Collider ColliderSpec  `yaml:"collider"`
	Pins     []PinSpec     `yaml:"pins"`
	Ramps    []RampSpec    `yaml:"ramps"`
	Override *ConfigBundle `yaml:"config"`
}

// ArrayRef points at one binary array file inside the bundle.
type ArrayRef struct {
	File  string `yaml:"file"`
	Count uint64 `yaml:"count"` // logical element count, not bytes
}

// GeometrySpec lists the deformable geometry buffers.
type GeometrySpec struct {
	Vertices   ArrayRef `yaml:"vertices"`   // float32, column-major 3×count
	Triangles  ArrayRef `yaml:"triangles"`  // uint64 on disk, 3 per element
	Tetrahedra ArrayRef `yaml:"tetrahedra"` // uint64 on disk, 4 per element
	Segments   ArrayRef `yaml:"segments"`   // uint64 on disk, 2 per element
}

// ParamSpec lists the per-element parameter arrays, parallel over the
// concatenated element order (triangles, then tetrahedra, then segments).
type ParamSpec struct {
	Density    ArrayRef `yaml:"density"`
	ContactGap ArrayRef `yaml:"contact-gap"`
	Stiffness  ArrayRef `yaml:"stiffness"`
}

// ColliderSpec lists the static collision geometry buffers. All fields may be
// empty for a scene with no static colliders.
type ColliderSpec struct {
	Vertices  ArrayRef `yaml:"vertices"`
	Triangles ArrayRef `yaml:"triangles"`
	Friction  ArrayRef `yaml:"friction"` // per collider triangle
}

// PinSpec declares a set of vertices held in place, optionally dragged along
// an offset scaled by a named ramp.
type PinSpec struct {
	Vertices []uint64   `yaml:"vertices"`
	Ramp     string     `yaml:"ramp"`   // empty = static pin
	Offset   [3]float32 `yaml:"offset"` // displacement at ramp value 1
}

// RampSpec declares a keyframed scalar with an easing curve between its two
// keyframes. Outside [start, end] the value clamps to the nearest keyframe.
type RampSpec struct {
	Name       string  `yaml:"name"`
	StartTime  float64 `yaml:"start-time"`
	EndTime    float64 `yaml:"end-time"`
	StartValue float64 `yaml:"start-value"`
	EndValue   float64 `yaml:"end-value"`
	Easing     string  `yaml:"easing"`
}

// maxIndexCount is the exclusive upper bound on any element or vertex count:
// indices must narrow to uint32 for the accelerator.
const maxIndexCount = uint64(1) << 32

// LoadManifest reads and parses session.yaml from a bundle directory.
func LoadManifest(bundlePath string) (*SessionManifest, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, "session.yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading session manifest: %w", err)
	}
	var m SessionManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing session manifest: %w", err)
	}
	if m.Version != 1 {
		return nil, fmt.Errorf("unsupported session manifest version %d", m.Version)
	}
	return &m, nil
}

// checkCapacity validates that a declared count fits the 32-bit index range.
func checkCapacity(what string, count uint64) error {
	if count >= maxIndexCount {
		return fmt.Errorf("%s count %d: %w", what, count, ErrCapacityExceeded)
	}
	return nil
}

// readFloat32Array reads a packed little-endian float32 array and checks its
// length against the expected element count times stride.
func readFloat32Array(bundlePath string, ref ArrayRef, stride int) ([]float32, error) {
	if ref.Count == 0 {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(bundlePath, ref.File))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref.File, err)
	}
	defer f.Close()

	n := int(ref.Count) * stride
	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("%s: expected %d float32 values: %w", ref.File, n, err)
	}
	if extra, _ := f.Read(make([]byte, 1)); extra != 0 {
		return nil, fmt.Errorf("%s: trailing bytes beyond declared count %d", ref.File, ref.Count)
	}
	out := make([]float32, n)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[4*i:])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

// readIndexArray reads a packed little-endian uint64 index array and narrows
// it to uint32, verifying every value stays below the narrowing bound.
func readIndexArray(bundlePath string, ref ArrayRef, stride int, bound uint64) ([]uint32, error) {
	if ref.Count == 0 {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(bundlePath, ref.File))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref.File, err)
	}
	defer f.Close()

	n := int(ref.Count) * stride
	raw := make([]byte, 8*n)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("%s: expected %d uint64 values: %w", ref.File, n, err)
	}
	out := make([]uint32, n)
	for i := range out {
		v := binary.LittleEndian.Uint64(raw[8*i:])
		if v >= maxIndexCount {
			return nil, fmt.Errorf("%s[%d] = %d: %w", ref.File, i, v, ErrCapacityExceeded)
		}
		if v >= bound {
			return nil, fmt.Errorf("%s[%d] = %d out of range (have %d vertices)", ref.File, i, v, bound)
		}
		out[i] = uint32(v)
	}
	return out, nil
}
