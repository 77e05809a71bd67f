package kernel

import (
	"context"
	"errors"
)

// Kernel-level sentinel errors. The driver maps these onto its own failure
// taxonomy; nothing above the bridge inspects device error codes directly.
var (
	// ErrLayoutMismatch means the device library was compiled against a
	// different record layout tag than Version().
	ErrLayoutMismatch = errors.New("kernel: record layout version mismatch")

	// ErrUnavailable means no usable accelerator device or library exists.
	ErrUnavailable = errors.New("kernel: accelerator unavailable")

	// ErrDiverged means the solver failed to produce a consistent next
	// state at the requested step size.
	ErrDiverged = errors.New("kernel: solver diverged")
)

// SceneInput is everything the kernel needs at session start: immutable
// geometry, per-element parameters, and solver configuration. Buffers are
// read-only from the kernel's perspective after Initialize returns.
type SceneInput struct {
	LayoutVersion uint64 // caller's compiled layout tag, checked against the library's

	Positions  []float32 // column-major 3×n rest pose
	Triangles  []uint32
	Tetrahedra []uint32
	Segments   []uint32

	Density    []float32
	ContactGap []float32
	Stiffness  []float32

	ColliderPositions []float32
	ColliderTriangles []uint32
	ColliderFriction  []float32

	TotalMass  float64
	Gravity    [3]float32
	Iterations int // projection iterations per step

	// StretchLimit is the edge strain beyond which the step is reported as
	// diverged. Zero selects the kernel default.
	StretchLimit float32
}

// AdvanceRequest is one step's mutable state plus the constraints active for
// it. Position/velocity/contact buffers are mutated in place; the call blocks
// until the kernel has produced a consistent next state.
type AdvanceRequest struct {
	Generation uint64
	Epoch      uint64 // spatial index epoch the step consumes
	Dt         float32
	Time       float32

	Positions  []float32
	Velocities []float32
	Contacts   []float32

	Pins []Pin
}

// Session is an opaque handle to device-side solver state. It owns device
// memory from Initialize until Finalize; Finalize is idempotent.
type Session struct {
	bridge Bridge
	ref    *refState // reference kernel state, nil for the native bridge
	handle uint64    // native device session handle, 0 for the reference kernel
	closed bool
}

// Bridge is the call surface to the solver. Exactly one implementation talks
// to real hardware (the native cgo adapter); the reference kernel implements
// the same contract in pure Go for tests and accelerator-less machines.
type Bridge interface {
	// Name identifies the implementation for logs.
	Name() string

	// Available reports whether this bridge can create sessions.
	Available() bool

	// Initialize uploads the scene and returns a live session. Fails with
	// ErrLayoutMismatch or ErrUnavailable before any device state exists.
	Initialize(in *SceneInput) (*Session, error)

	// Advance runs one simulation step. Synchronous and blocking: it does
	// not return until the next-state buffers are consistent. On
	// ErrDiverged the buffers are left untouched so the caller can retry
	// with a smaller dt. The context is observed only before device work
	// starts; a step is atomic once submitted.
	Advance(ctx context.Context, s *Session, req *AdvanceRequest) (*StepResult, error)

	// UpdateSpatialIndex swaps in a new flattened BVH for one geometry
	// class. Called between steps, never concurrently with Advance.
	UpdateSpatialIndex(s *Session, idx *IndexBlock)

	// Finalize releases device-side memory. Safe to call more than once.
	Finalize(s *Session) error
}

// Select returns the native bridge when an accelerator is present, otherwise
// the pure-Go reference kernel. require forces the native bridge and surfaces
// ErrUnavailable instead of falling back.
func Select(require bool) (Bridge, error) {
	native := NewNative()
	if native.Available() {
		return native, nil
	}
	if require {
		return nil, ErrUnavailable
	}
	return NewReference(), nil
}
