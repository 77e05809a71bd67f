package sim

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomTriangleSoup scatters n small triangles in the unit cube.
func randomTriangleSoup(n int, seed uint64) ([]float32, []uint32) {
	rng := rand.New(rand.NewPCG(seed, seed))
	positions := make([]float32, 0, 9*n)
	indices := make([]uint32, 0, 3*n)
	for i := 0; i < n; i++ {
		cx, cy, cz := rng.Float32(), rng.Float32(), rng.Float32()
		for j := 0; j < 3; j++ {
			positions = append(positions,
				cx+0.02*rng.Float32(),
				cy+0.02*rng.Float32(),
				cz+0.02*rng.Float32())
			indices = append(indices, uint32(3*i+j))
		}
	}
	return positions, indices
}

// bruteOverlaps collects element indices whose bounds overlap the query box.
func bruteOverlaps(positions []float32, indices []uint32, stride int, box AABB, margin float32) []uint32 {
	var out []uint32
	n := len(indices) / stride
	for e := 0; e < n; e++ {
		b := emptyAABB()
		for j := 0; j < stride; j++ {
			v := indices[e*stride+j]
			b.grow([3]float32{positions[3*v], positions[3*v+1], positions[3*v+2]})
		}
		if b.Overlaps(box, margin) {
			out = append(out, uint32(e))
		}
	}
	return out
}

func sorted(xs []uint32) []uint32 {
	out := append([]uint32(nil), xs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestBuildTree_QueryMatchesBruteForce(t *testing.T) {
	// GIVEN a tree over 200 scattered triangles
	positions, indices := randomTriangleSoup(200, 42)
	tree := BuildTree(ClassSurface, 1, positions, indices, 3)
	require.NotEmpty(t, tree.Nodes)
	assert.Equal(t, uint64(1), tree.Epoch)

	elemBox := func(e uint32) AABB {
		b := emptyAABB()
		for j := 0; j < 3; j++ {
			v := indices[int(e)*3+j]
			b.grow([3]float32{positions[3*v], positions[3*v+1], positions[3*v+2]})
		}
		return b
	}

	// WHEN querying several boxes
	for _, q := range []AABB{
		{Min: [3]float32{0.2, 0.2, 0.2}, Max: [3]float32{0.4, 0.4, 0.4}},
		{Min: [3]float32{0, 0, 0}, Max: [3]float32{1, 1, 1}},
		{Min: [3]float32{2, 2, 2}, Max: [3]float32{3, 3, 3}}, // off in the distance
	} {
		got := tree.Query(q, 0.01, elemBox, nil)
		want := bruteOverlaps(positions, indices, 3, q, 0.01)

		// THEN the result set matches brute force exactly
		assert.Equal(t, sorted(want), sorted(got))
	}
}

func TestBuildTree_EmptyGeometry(t *testing.T) {
	tree := BuildTree(ClassCurve, 3, nil, nil, 2)
	assert.Empty(t, tree.Nodes)
	assert.Empty(t, tree.Query(AABB{}, 1, nil, nil))
}

func TestBuildTree_RootBoundsContainEverything(t *testing.T) {
	positions, indices := randomTriangleSoup(50, 7)
	tree := BuildTree(ClassSurface, 1, positions, indices, 3)
	root := tree.Bounds()
	for i := 0; i+2 < len(positions); i += 3 {
		for k := 0; k < 3; k++ {
			assert.LessOrEqual(t, root.Min[k], positions[i+k])
			assert.GreaterOrEqual(t, root.Max[k], positions[i+k])
		}
	}
}

func TestGeometryClass_Names(t *testing.T) {
	assert.Equal(t, "surface", ClassSurface.String())
	assert.Equal(t, "collider", ClassCollider.String())
	assert.Equal(t, "unknown", GeometryClass(99).String())
}
