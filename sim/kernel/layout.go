// Package kernel is the binary-compatible call surface to the accelerator-
// resident elasticity/contact solver. It is the only package aware of the raw
// record layout shared with the device library; everything above it works in
// terms of the Bridge interface.
package kernel

import "hash/fnv"

// The records below cross the CPU/accelerator boundary. Field order and
// widths are fixed: uint32/uint64 indices, float32 payloads, no implicit
// padding. Any change here requires a synchronized change in the device
// library, which is why Version is derived from the descriptor string rather
// than bumped by hand — editing a field changes the tag automatically.

// layoutDescriptor is the canonical field-by-field description of every
// shared record. The device library embeds the same string at compile time.
const layoutDescriptor = "v1:" +
	"scene_header{u64 num_vertices;u64 num_triangles;u64 num_tetrahedra;u64 num_segments;" +
	"u64 num_collider_vertices;u64 num_collider_triangles;f32 total_mass;f32 gravity[3];" +
	"u32 iterations;f32 stretch_limit}" +
	"pin{u32 vertex;f32 dx;f32 dy;f32 dz}" +
	"advance_header{u64 generation;u64 epoch;f32 dt;f32 time;u32 num_pins}" +
	"index_node{f32 min[3];f32 max[3];i32 left;i32 right;i32 first;i32 count}" +
	"index_header{u32 class;u32 num_nodes;u64 epoch;u32 num_prims;u32 reserved}" +
	"step_result{u32 iterations;u32 contacts;f32 max_stretch;f32 residual}"

// Version is the layout tag both sides of the boundary must agree on.
// Checked during Initialize; a mismatch is fatal before any step runs.
func Version() uint64 {
	h := fnv.New64a()
	h.Write([]byte(layoutDescriptor))
	return h.Sum64()
}

// Pin holds one pinned vertex and its current displacement from rest.
// Mirrors the device-side pin record: 16 bytes, no padding.
type Pin struct {
	Vertex uint32
	Dx     float32
	Dy     float32
	Dz     float32
}

// IndexNode is one flattened BVH node in device layout: bounds, child node
// indices (-1 for leaves), and the leaf's primitive range.
type IndexNode struct {
	Min   [3]float32
	Max   [3]float32
	Left  int32
	Right int32
	First int32
	Count int32
}

// IndexBlock is a complete flattened spatial index for one geometry class,
// handed to the device via UpdateSpatialIndex.
type IndexBlock struct {
	Class uint32
	Epoch uint64
	Nodes []IndexNode
	Prims []uint32
}

// StepResult carries the per-step metrics the driver feeds to telemetry.
type StepResult struct {
	Iterations   uint32    // projection/Newton iterations run
	ContactCount uint32    // peak active contact projections across the step's iterations
	MaxStretch   float32   // worst edge strain after the step, 1.0 = rest length
	Residual     float32   // final iteration's max position correction
	SolveSeconds []float64 // wall time per iteration, in order
}
