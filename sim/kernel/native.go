//go:build accel

package kernel

/*
#cgo LDFLAGS: -L${SRCDIR} -lcontactkern -lstdc++
#include <stdint.h>
#include <stdlib.h>

extern int accel_device_count();
extern const char* accel_device_name_get();
extern uint64_t accel_layout_version();
extern uint64_t accel_initialize(
	const float* positions, uint64_t num_vertices,
	const uint64_t* triangles, uint64_t num_triangles,
	const uint64_t* tetrahedra, uint64_t num_tetrahedra,
	const uint64_t* segments, uint64_t num_segments,
	const float* density, const float* contact_gap, const float* stiffness,
	const float* collider_positions, uint64_t num_collider_vertices,
	const uint64_t* collider_triangles, uint64_t num_collider_triangles,
	const float* collider_friction,
	float total_mass, const float* gravity, uint32_t iterations, float stretch_limit);
extern int accel_advance(
	uint64_t session,
	uint64_t generation, uint64_t epoch, float dt, float time,
	float* positions, float* velocities, float* contacts,
	const uint32_t* pins, uint32_t num_pins,
	uint32_t* out_iterations, uint32_t* out_contacts,
	float* out_max_stretch, float* out_residual);
extern void accel_update_spatial_index(
	uint64_t session, uint32_t klass, uint64_t epoch,
	const float* node_bounds, const int32_t* node_links, uint32_t num_nodes,
	const uint32_t* prims, uint32_t num_prims);
extern void accel_finalize(uint64_t session);
*/
import "C"

import (
	"context"
	"unsafe"
)

// Native is the accelerator-backed bridge. This file is the only code in the
// module that touches the raw device layout; everything else goes through the
// Bridge interface.
type Native struct {
	available  bool
	deviceName string
}

// NewNative probes for a device. A probe failure is not an error: Select
// falls back to the reference kernel unless the run requires hardware.
func NewNative() *Native {
	count := int(C.accel_device_count())
	name := ""
	if count > 0 {
		name = C.GoString(C.accel_device_name_get())
	}
	return &Native{available: count > 0, deviceName: name}
}

func (n *Native) Name() string {
	if n.available {
		return "accel (" + n.deviceName + ")"
	}
	return "accel (not available)"
}

func (n *Native) Available() bool { return n.available }

func (n *Native) Initialize(in *SceneInput) (*Session, error) {
	if !n.available {
		return nil, ErrUnavailable
	}
	if uint64(C.accel_layout_version()) != in.LayoutVersion {
		return nil, ErrLayoutMismatch
	}

	tris := widenIndices(in.Triangles)
	tets := widenIndices(in.Tetrahedra)
	segs := widenIndices(in.Segments)
	ctris := widenIndices(in.ColliderTriangles)

	handle := uint64(C.accel_initialize(
		f32Ptr(in.Positions), C.uint64_t(len(in.Positions)/3),
		u64Ptr(tris), C.uint64_t(len(tris)/3),
		u64Ptr(tets), C.uint64_t(len(tets)/4),
		u64Ptr(segs), C.uint64_t(len(segs)/2),
		f32Ptr(in.Density), f32Ptr(in.ContactGap), f32Ptr(in.Stiffness),
		f32Ptr(in.ColliderPositions), C.uint64_t(len(in.ColliderPositions)/3),
		u64Ptr(ctris), C.uint64_t(len(ctris)/3),
		f32Ptr(in.ColliderFriction),
		C.float(in.TotalMass), f32Ptr(in.Gravity[:]),
		C.uint32_t(in.Iterations), C.float(in.StretchLimit)))
	if handle == 0 {
		return nil, ErrUnavailable
	}
	return &Session{bridge: n, handle: handle}, nil
}

func (n *Native) Advance(ctx context.Context, s *Session, req *AdvanceRequest) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Pins flatten to the 16-byte device pin record: u32 vertex, 3×f32.
	pins := make([]uint32, 0, 4*len(req.Pins))
	for _, p := range req.Pins {
		pins = append(pins,
			p.Vertex,
			f32Bits(p.Dx), f32Bits(p.Dy), f32Bits(p.Dz))
	}

	var res StepResult
	rc := C.accel_advance(
		C.uint64_t(s.handle),
		C.uint64_t(req.Generation), C.uint64_t(req.Epoch),
		C.float(req.Dt), C.float(req.Time),
		f32Ptr(req.Positions), f32Ptr(req.Velocities), f32Ptr(req.Contacts),
		u32Ptr(pins), C.uint32_t(len(req.Pins)),
		(*C.uint32_t)(unsafe.Pointer(&res.Iterations)),
		(*C.uint32_t)(unsafe.Pointer(&res.ContactCount)),
		(*C.float)(unsafe.Pointer(&res.MaxStretch)),
		(*C.float)(unsafe.Pointer(&res.Residual)))
	if rc != 0 {
		return nil, ErrDiverged
	}
	return &res, nil
}

func (n *Native) UpdateSpatialIndex(s *Session, idx *IndexBlock) {
	bounds := make([]float32, 0, 6*len(idx.Nodes))
	links := make([]int32, 0, 4*len(idx.Nodes))
	for _, node := range idx.Nodes {
		bounds = append(bounds, node.Min[0], node.Min[1], node.Min[2], node.Max[0], node.Max[1], node.Max[2])
		links = append(links, node.Left, node.Right, node.First, node.Count)
	}
	C.accel_update_spatial_index(
		C.uint64_t(s.handle), C.uint32_t(idx.Class), C.uint64_t(idx.Epoch),
		f32Ptr(bounds), i32Ptr(links), C.uint32_t(len(idx.Nodes)),
		u32Ptr(idx.Prims), C.uint32_t(len(idx.Prims)))
}

func (n *Native) Finalize(s *Session) error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	C.accel_finalize(C.uint64_t(s.handle))
	s.handle = 0
	return nil
}

func widenIndices(xs []uint32) []uint64 {
	if len(xs) == 0 {
		return nil
	}
	out := make([]uint64, len(xs))
	for i, x := range xs {
		out[i] = uint64(x)
	}
	return out
}

func f32Bits(x float32) uint32 {
	return *(*uint32)(unsafe.Pointer(&x))
}

func f32Ptr(xs []float32) *C.float {
	if len(xs) == 0 {
		return nil
	}
	return (*C.float)(unsafe.Pointer(&xs[0]))
}

func u64Ptr(xs []uint64) *C.uint64_t {
	if len(xs) == 0 {
		return nil
	}
	return (*C.uint64_t)(unsafe.Pointer(&xs[0]))
}

func u32Ptr(xs []uint32) *C.uint32_t {
	if len(xs) == 0 {
		return nil
	}
	return (*C.uint32_t)(unsafe.Pointer(&xs[0]))
}

func i32Ptr(xs []int32) *C.int32_t {
	if len(xs) == 0 {
		return nil
	}
	return (*C.int32_t)(unsafe.Pointer(&xs[0]))
}
