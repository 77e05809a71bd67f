package sim

import (
	"math"
	"sort"
)

// GeometryClass identifies which geometry a BVH indexes.
type GeometryClass int

const (
	ClassSurface  GeometryClass = iota // triangles
	ClassVolume                        // tetrahedra
	ClassCollider                      // static collider triangles
	ClassCurve                         // segments
	NumGeometryClasses
)

var classNames = [NumGeometryClasses]string{"surface", "volume", "collider", "curve"}

func (c GeometryClass) String() string {
	if c < 0 || c >= NumGeometryClasses {
		return "unknown"
	}
	return classNames[c]
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min, Max [3]float32
}

func emptyAABB() AABB {
	inf := float32(math.Inf(1))
	return AABB{Min: [3]float32{inf, inf, inf}, Max: [3]float32{-inf, -inf, -inf}}
}

func (b *AABB) grow(p [3]float32) {
	for k := 0; k < 3; k++ {
		if p[k] < b.Min[k] {
			b.Min[k] = p[k]
		}
		if p[k] > b.Max[k] {
			b.Max[k] = p[k]
		}
	}
}

func (b *AABB) union(o AABB) {
	b.grow(o.Min)
	b.grow(o.Max)
}

// Overlaps reports whether the boxes intersect after inflating by margin.
func (b AABB) Overlaps(o AABB, margin float32) bool {
	for k := 0; k < 3; k++ {
		if b.Min[k]-margin > o.Max[k] || b.Max[k]+margin < o.Min[k] {
			return false
		}
	}
	return true
}

// BvhNode is one node of a flattened tree. Leaf nodes have Count > 0 and
// index into Tree.Prims; interior nodes point at their children.
type BvhNode struct {
	Box         AABB
	Left, Right int32
	First       int32
	Count       int32
}

// Tree is an immutable bounding-volume hierarchy over the elements of one
// geometry class, tagged with the epoch of the position snapshot it was built
// from. Never mutated after Build: readers always swap whole trees.
type Tree struct {
	Class GeometryClass
	Epoch uint64
	Nodes []BvhNode
	Prims []uint32 // element indices, permuted during build
}

const leafSize = 4

// BuildTree constructs a median-split BVH over elements with the given index
// stride (3 for triangles, 4 for tetrahedra, 2 for segments). Positions is
// the column-major snapshot the boxes are computed from.
func BuildTree(class GeometryClass, epoch uint64, positions []float32, indices []uint32, stride int) *Tree {
	n := len(indices) / stride
	t := &Tree{Class: class, Epoch: epoch}
	if n == 0 {
		return t
	}

	boxes := make([]AABB, n)
	centroids := make([][3]float32, n)
	for i := 0; i < n; i++ {
		box := emptyAABB()
		var c [3]float32
		for j := 0; j < stride; j++ {
			v := indices[i*stride+j]
			p := [3]float32{positions[3*v], positions[3*v+1], positions[3*v+2]}
			box.grow(p)
			for k := 0; k < 3; k++ {
				c[k] += p[k]
			}
		}
		for k := 0; k < 3; k++ {
			c[k] /= float32(stride)
		}
		boxes[i] = box
		centroids[i] = c
	}

	t.Prims = make([]uint32, n)
	for i := range t.Prims {
		t.Prims[i] = uint32(i)
	}
	t.Nodes = make([]BvhNode, 0, 2*n)
	t.buildRange(0, n, boxes, centroids)
	return t
}

// buildRange recursively partitions Prims[lo:hi) and returns the node index.
func (t *Tree) buildRange(lo, hi int, boxes []AABB, centroids [][3]float32) int32 {
	box := emptyAABB()
	for i := lo; i < hi; i++ {
		box.union(boxes[t.Prims[i]])
	}
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, BvhNode{Box: box, Left: -1, Right: -1})

	if hi-lo <= leafSize {
		t.Nodes[idx].First = int32(lo)
		t.Nodes[idx].Count = int32(hi - lo)
		return idx
	}

	// Split at the median along the longest axis of the centroid extent.
	axis := 0
	ext := emptyAABB()
	for i := lo; i < hi; i++ {
		ext.grow(centroids[t.Prims[i]])
	}
	for k := 1; k < 3; k++ {
		if ext.Max[k]-ext.Min[k] > ext.Max[axis]-ext.Min[axis] {
			axis = k
		}
	}
	part := t.Prims[lo:hi]
	sort.Slice(part, func(a, b int) bool {
		return centroids[part[a]][axis] < centroids[part[b]][axis]
	})
	mid := lo + (hi-lo)/2

	left := t.buildRange(lo, mid, boxes, centroids)
	right := t.buildRange(mid, hi, boxes, centroids)
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right
	return idx
}

// Query appends to out the indices of elements whose box overlaps the query
// box inflated by margin. Read-only; safe for any goroutine holding the tree.
func (t *Tree) Query(box AABB, margin float32, boxes func(elem uint32) AABB, out []uint32) []uint32 {
	if len(t.Nodes) == 0 {
		return out
	}
	stack := make([]int32, 0, 64)
	stack = append(stack, 0)
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := &t.Nodes[ni]
		if !node.Box.Overlaps(box, margin) {
			continue
		}
		if node.Count > 0 {
			for i := node.First; i < node.First+node.Count; i++ {
				e := t.Prims[i]
				if boxes == nil || boxes(e).Overlaps(box, margin) {
					out = append(out, e)
				}
			}
			continue
		}
		stack = append(stack, node.Left, node.Right)
	}
	return out
}

// Bounds returns the root bounding box, or an empty box for an empty tree.
func (t *Tree) Bounds() AABB {
	if len(t.Nodes) == 0 {
		return emptyAABB()
	}
	return t.Nodes[0].Box
}
