package sim

import (
	"fmt"
)

// Scene is the immutable description of a simulation: geometry, per-element
// parameters, static collision geometry, and constraint definitions. Created
// once by LoadScene and shared read-only by every component afterwards.
type Scene struct {
	Name string

	// Positions is column-major 3×NumVertices: x0 y0 z0 x1 y1 z1 ...
	Positions   []float32
	NumVertices int

	// Flat index triples/quads/pairs, narrowed from uint64 on disk.
	Triangles  []uint32
	Tetrahedra []uint32
	Segments   []uint32

	// Per-element parameter arrays, parallel over the concatenated element
	// order: triangles, then tetrahedra, then segments.
	Density    []float32
	ContactGap []float32
	Stiffness  []float32

	Collider StaticCollider

	Pins  []PinSpec
	Ramps []RampSpec
}

// StaticCollider is fixed collision geometry: it never moves, so its BVH is
// built once at initialization.
type StaticCollider struct {
	Positions []float32 // column-major 3×NumVertices
	Triangles []uint32
	Friction  []float32 // per triangle
}

// NumTriangles returns the surface element count.
func (s *Scene) NumTriangles() int { return len(s.Triangles) / 3 }

// NumTetrahedra returns the volume element count.
func (s *Scene) NumTetrahedra() int { return len(s.Tetrahedra) / 4 }

// NumSegments returns the curve element count.
func (s *Scene) NumSegments() int { return len(s.Segments) / 2 }

// NumElements returns the deformable element count across all classes.
func (s *Scene) NumElements() int {
	return s.NumTriangles() + s.NumTetrahedra() + s.NumSegments()
}

// LoadScene reads and validates a session bundle. Any failure is fatal for
// the run: there is no such thing as a partially usable scene.
func LoadScene(bundlePath string) (*Scene, error) {
	m, err := LoadManifest(bundlePath)
	if err != nil {
		return nil, err
	}
	return loadFromManifest(bundlePath, m)
}

func loadFromManifest(bundlePath string, m *SessionManifest) (*Scene, error) {
	if err := validateCounts(m); err != nil {
		return nil, err
	}

	nv := m.Geometry.Vertices.Count
	s := &Scene{Name: m.Name, NumVertices: int(nv), Pins: m.Pins, Ramps: m.Ramps}

	var err error
	if s.Positions, err = readFloat32Array(bundlePath, m.Geometry.Vertices, 3); err != nil {
		return nil, err
	}
	if s.Triangles, err = readIndexArray(bundlePath, m.Geometry.Triangles, 3, nv); err != nil {
		return nil, err
	}
	if s.Tetrahedra, err = readIndexArray(bundlePath, m.Geometry.Tetrahedra, 4, nv); err != nil {
		return nil, err
	}
	if s.Segments, err = readIndexArray(bundlePath, m.Geometry.Segments, 2, nv); err != nil {
		return nil, err
	}
	if s.Density, err = readFloat32Array(bundlePath, m.Params.Density, 1); err != nil {
		return nil, err
	}
	if s.ContactGap, err = readFloat32Array(bundlePath, m.Params.ContactGap, 1); err != nil {
		return nil, err
	}
	if s.Stiffness, err = readFloat32Array(bundlePath, m.Params.Stiffness, 1); err != nil {
		return nil, err
	}

	ncv := m.Collider.Vertices.Count
	if s.Collider.Positions, err = readFloat32Array(bundlePath, m.Collider.Vertices, 3); err != nil {
		return nil, err
	}
	if s.Collider.Triangles, err = readIndexArray(bundlePath, m.Collider.Triangles, 3, ncv); err != nil {
		return nil, err
	}
	if s.Collider.Friction, err = readFloat32Array(bundlePath, m.Collider.Friction, 1); err != nil {
		return nil, err
	}

	if err := s.validate(m); err != nil {
		return nil, err
	}
	return s, nil
}

// validateCounts rejects any declared count outside the 32-bit index range
// before a single array byte is read.
func validateCounts(m *SessionManifest) error {
	checks := []struct {
		what  string
		count uint64
	}{
		{"vertex", m.Geometry.Vertices.Count},
		{"triangle", m.Geometry.Triangles.Count},
		{"tetrahedron", m.Geometry.Tetrahedra.Count},
		{"segment", m.Geometry.Segments.Count},
		{"collider vertex", m.Collider.Vertices.Count},
		{"collider triangle", m.Collider.Triangles.Count},
	}
	total := uint64(0)
	for _, c := range checks {
		if err := checkCapacity(c.what, c.count); err != nil {
			return err
		}
	}
	total = m.Geometry.Triangles.Count + m.Geometry.Tetrahedra.Count + m.Geometry.Segments.Count
	if err := checkCapacity("element", total); err != nil {
		return err
	}
	return nil
}

// validate checks internal consistency of the loaded buffers against the
// manifest and each other.
func (s *Scene) validate(m *SessionManifest) error {
	if s.NumVertices == 0 {
		return fmt.Errorf("scene %q has no vertices", s.Name)
	}
	if s.NumElements() == 0 {
		return fmt.Errorf("scene %q has no deformable elements", s.Name)
	}
	ne := s.NumElements()
	for _, p := range []struct {
		name string
		arr  []float32
	}{
		{"density", s.Density},
		{"contact-gap", s.ContactGap},
		{"stiffness", s.Stiffness},
	} {
		if len(p.arr) != ne {
			return fmt.Errorf("param %s has %d entries, want one per element (%d)", p.name, len(p.arr), ne)
		}
	}
	if nf, nt := len(s.Collider.Friction), len(s.Collider.Triangles)/3; nf != nt {
		return fmt.Errorf("collider friction has %d entries for %d triangles", nf, nt)
	}
	rampNames := make(map[string]bool, len(s.Ramps))
	for _, r := range s.Ramps {
		if !ValidEasings[r.Easing] {
			return fmt.Errorf("ramp %q: unknown easing %q", r.Name, r.Easing)
		}
		if r.EndTime < r.StartTime {
			return fmt.Errorf("ramp %q: end-time before start-time", r.Name)
		}
		rampNames[r.Name] = true
	}
	for i, p := range s.Pins {
		if p.Ramp != "" && !rampNames[p.Ramp] {
			return fmt.Errorf("pin %d references unknown ramp %q", i, p.Ramp)
		}
		for _, v := range p.Vertices {
			if v >= uint64(s.NumVertices) {
				return fmt.Errorf("pin %d: vertex %d out of range", i, v)
			}
		}
	}
	return nil
}
