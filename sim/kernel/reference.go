package kernel

import (
	"context"
	"math"
	"time"
)

// Reference is the pure-Go kernel: a position-based projection solver with
// strain limiting and collider contact separation. It implements the same
// Bridge contract as the native adapter so the driver, checkpointing, and
// tests exercise the full boundary without a device.
type Reference struct {
	// DivergeFault, when set, forces ErrDiverged for generations where it
	// returns true. Test hook for the driver's retry policy.
	DivergeFault func(generation uint64) bool
}

// NewReference creates the reference kernel bridge.
func NewReference() *Reference { return &Reference{} }

func (r *Reference) Name() string    { return "reference" }
func (r *Reference) Available() bool { return true }

const (
	defaultStretchLimit = 1.5
	defaultIterations   = 8
)

// edge is one distance constraint between two vertices.
type edge struct {
	a, b      uint32
	rest      float32
	stiffness float32
}

// refState is the session state the reference kernel keeps between steps:
// precomputed constraints, lumped masses, and the latest spatial indices.
type refState struct {
	n       int
	rest    []float32 // rest pose, pin targets are rest + offset
	edges   []edge
	invMass []float32
	gap     float32 // mean contact gap, used against the collider

	colliderPositions []float32
	colliderTriangles []uint32

	indices [8]*IndexBlock // by class ordinal

	gravity      [3]float32
	iterations   int
	stretchLimit float32
}

// Initialize validates the layout tag, lumps masses, and extracts the unique
// distance constraints from the element connectivity.
func (r *Reference) Initialize(in *SceneInput) (*Session, error) {
	if in.LayoutVersion != Version() {
		return nil, ErrLayoutMismatch
	}

	st := &refState{
		n:                 len(in.Positions) / 3,
		rest:              append([]float32(nil), in.Positions...),
		colliderPositions: in.ColliderPositions,
		colliderTriangles: in.ColliderTriangles,
		gravity:           in.Gravity,
		iterations:        in.Iterations,
		stretchLimit:      in.StretchLimit,
	}
	if st.iterations <= 0 {
		st.iterations = defaultIterations
	}
	if st.stretchLimit <= 0 {
		st.stretchLimit = defaultStretchLimit
	}

	st.invMass = make([]float32, st.n)
	seen := make(map[[2]uint32]int)
	addEdge := func(a, b uint32, k float32) {
		if a > b {
			a, b = b, a
		}
		key := [2]uint32{a, b}
		if i, ok := seen[key]; ok {
			if k > st.edges[i].stiffness {
				st.edges[i].stiffness = k
			}
			return
		}
		dx := in.Positions[3*a] - in.Positions[3*b]
		dy := in.Positions[3*a+1] - in.Positions[3*b+1]
		dz := in.Positions[3*a+2] - in.Positions[3*b+2]
		rest := float32(math.Sqrt(float64(dx*dx + dy*dy + dz*dz)))
		seen[key] = len(st.edges)
		st.edges = append(st.edges, edge{a: a, b: b, rest: rest, stiffness: k})
	}

	elem := 0
	lump := func(verts []uint32, density float32, measure float32) {
		if len(verts) == 0 {
			return
		}
		share := density * measure / float32(len(verts))
		for _, v := range verts {
			st.invMass[v] += share
		}
	}
	gapSum, gapN := float32(0), 0
	param := func(arr []float32, i int, def float32) float32 {
		if i < len(arr) {
			return arr[i]
		}
		return def
	}

	for i := 0; i+2 < len(in.Triangles); i += 3 {
		k := param(in.Stiffness, elem, 1)
		a, b, c := in.Triangles[i], in.Triangles[i+1], in.Triangles[i+2]
		addEdge(a, b, k)
		addEdge(b, c, k)
		addEdge(c, a, k)
		lump([]uint32{a, b, c}, param(in.Density, elem, 1), 1)
		gapSum += param(in.ContactGap, elem, 0)
		gapN++
		elem++
	}
	for i := 0; i+3 < len(in.Tetrahedra); i += 4 {
		k := param(in.Stiffness, elem, 1)
		v := in.Tetrahedra[i : i+4]
		for x := 0; x < 4; x++ {
			for y := x + 1; y < 4; y++ {
				addEdge(v[x], v[y], k)
			}
		}
		lump(v, param(in.Density, elem, 1), 1)
		gapSum += param(in.ContactGap, elem, 0)
		gapN++
		elem++
	}
	for i := 0; i+1 < len(in.Segments); i += 2 {
		k := param(in.Stiffness, elem, 1)
		addEdge(in.Segments[i], in.Segments[i+1], k)
		lump(in.Segments[i:i+2], param(in.Density, elem, 1), 1)
		gapSum += param(in.ContactGap, elem, 0)
		gapN++
		elem++
	}

	// invMass currently holds lumped mass; invert it.
	for i, m := range st.invMass {
		if m > 0 {
			st.invMass[i] = 1 / m
		} else {
			st.invMass[i] = 1 // isolated vertex, unit mass
		}
	}
	if gapN > 0 {
		st.gap = gapSum / float32(gapN)
	}

	return &Session{bridge: r, ref: st}, nil
}

// Advance runs one projection step. On divergence the request buffers are
// left untouched so the driver can retry with a reduced dt.
func (r *Reference) Advance(ctx context.Context, s *Session, req *AdvanceRequest) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.DivergeFault != nil && r.DivergeFault(req.Generation) {
		return nil, ErrDiverged
	}
	st := s.ref
	dt := req.Dt

	// Work on copies; commit only a consistent state.
	pos := append([]float32(nil), req.Positions...)
	vel := append([]float32(nil), req.Velocities...)
	contacts := make([]float32, len(req.Contacts))

	// Semi-implicit integration to the predicted positions.
	for i := 0; i < st.n; i++ {
		for k := 0; k < 3; k++ {
			vel[3*i+k] += st.gravity[k] * dt
			pos[3*i+k] += vel[3*i+k] * dt
		}
	}

	// Pinned vertices are hard constraints: rest + offset, infinite mass.
	pinned := make(map[uint32][3]float32, len(req.Pins))
	for _, p := range req.Pins {
		pinned[p.Vertex] = [3]float32{
			st.rest[3*p.Vertex] + p.Dx,
			st.rest[3*p.Vertex+1] + p.Dy,
			st.rest[3*p.Vertex+2] + p.Dz,
		}
	}
	applyPins := func() {
		for v, t := range pinned {
			pos[3*v], pos[3*v+1], pos[3*v+2] = t[0], t[1], t[2]
		}
	}
	applyPins()

	iters := st.iterations
	result := &StepResult{SolveSeconds: make([]float64, 0, iters)}
	var residual float32

	for it := 0; it < iters; it++ {
		iterStart := time.Now()
		residual = 0

		// Distance projection toward inextensibility.
		for _, e := range st.edges {
			wa, wb := st.invMass[e.a], st.invMass[e.b]
			if _, ok := pinned[e.a]; ok {
				wa = 0
			}
			if _, ok := pinned[e.b]; ok {
				wb = 0
			}
			w := wa + wb
			if w == 0 {
				continue
			}
			dx := pos[3*e.a] - pos[3*e.b]
			dy := pos[3*e.a+1] - pos[3*e.b+1]
			dz := pos[3*e.a+2] - pos[3*e.b+2]
			l := float32(math.Sqrt(float64(dx*dx + dy*dy + dz*dz)))
			if l == 0 {
				continue
			}
			c := (l - e.rest) / l * e.stiffness
			if c > 1 {
				c = 1
			} else if c < -1 {
				c = -1
			}
			corr := c / w
			if abs32(c*l) > residual {
				residual = abs32(c * l)
			}
			pos[3*e.a] -= wa * corr * dx
			pos[3*e.a+1] -= wa * corr * dy
			pos[3*e.a+2] -= wa * corr * dz
			pos[3*e.b] += wb * corr * dx
			pos[3*e.b+1] += wb * corr * dy
			pos[3*e.b+2] += wb * corr * dz
		}

		// Contact separation against the static collider. Later iterations
		// project less as separation converges; report the busiest one.
		if n := st.projectContacts(pos, contacts, pinned); n > result.ContactCount {
			result.ContactCount = n
		}

		applyPins()
		result.SolveSeconds = append(result.SolveSeconds, time.Since(iterStart).Seconds())
		result.Iterations++
	}

	// Divergence check: NaN anywhere or worst strain beyond the limit.
	maxStretch := float32(1)
	for _, e := range st.edges {
		if e.rest == 0 {
			continue
		}
		dx := pos[3*e.a] - pos[3*e.b]
		dy := pos[3*e.a+1] - pos[3*e.b+1]
		dz := pos[3*e.a+2] - pos[3*e.b+2]
		l := float32(math.Sqrt(float64(dx*dx + dy*dy + dz*dz)))
		if s := l / e.rest; s > maxStretch {
			maxStretch = s
		}
	}
	if math.IsNaN(float64(maxStretch)) || maxStretch > st.stretchLimit {
		return nil, ErrDiverged
	}
	for _, p := range pos {
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return nil, ErrDiverged
		}
	}

	// Commit: velocities from the position delta, then the new state.
	for i := range pos {
		vel[i] = (pos[i] - req.Positions[i]) / dt
	}
	copy(req.Positions, pos)
	copy(req.Velocities, vel)
	copy(req.Contacts, contacts)

	result.MaxStretch = maxStretch
	result.Residual = residual
	return result, nil
}

// projectContacts pushes vertices out of the static collider using the
// latest published collider index, returning the number of active contacts.
// With no index published yet the step runs contact-free: the driver
// publishes the collider tree before the first Advance.
func (st *refState) projectContacts(pos, contacts []float32, pinned map[uint32][3]float32) uint32 {
	idx := st.indices[2] // ClassCollider ordinal in the driver's class enum
	if idx == nil || len(idx.Nodes) == 0 || st.gap == 0 {
		return 0
	}
	count := uint32(0)
	for v := 0; v < st.n; v++ {
		if _, ok := pinned[uint32(v)]; ok {
			continue
		}
		p := [3]float32{pos[3*v], pos[3*v+1], pos[3*v+2]}
		for _, tri := range queryIndex(idx, p, st.gap) {
			a := triVertex(st.colliderPositions, st.colliderTriangles, tri, 0)
			b := triVertex(st.colliderPositions, st.colliderTriangles, tri, 1)
			c := triVertex(st.colliderPositions, st.colliderTriangles, tri, 2)
			if d, n, inside := pointTriangle(p, a, b, c); inside && d < st.gap {
				push := st.gap - d
				for k := 0; k < 3; k++ {
					pos[3*v+k] += n[k] * push
				}
				contacts[v] += push
				count++
				p = [3]float32{pos[3*v], pos[3*v+1], pos[3*v+2]}
			}
		}
	}
	return count
}

// UpdateSpatialIndex swaps in the flattened tree for one class.
func (r *Reference) UpdateSpatialIndex(s *Session, idx *IndexBlock) {
	if int(idx.Class) < len(s.ref.indices) {
		s.ref.indices[idx.Class] = idx
	}
}

// Finalize releases session state. Idempotent.
func (r *Reference) Finalize(s *Session) error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	s.ref = nil
	return nil
}

// queryIndex walks the flattened BVH collecting primitives whose node bounds
// come within margin of the point.
func queryIndex(idx *IndexBlock, p [3]float32, margin float32) []uint32 {
	var out []uint32
	stack := []int32{0}
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := &idx.Nodes[ni]
		hit := true
		for k := 0; k < 3; k++ {
			if p[k] < node.Min[k]-margin || p[k] > node.Max[k]+margin {
				hit = false
				break
			}
		}
		if !hit {
			continue
		}
		if node.Count > 0 {
			out = append(out, idx.Prims[node.First:node.First+node.Count]...)
			continue
		}
		stack = append(stack, node.Left, node.Right)
	}
	return out
}

func triVertex(positions []float32, triangles []uint32, tri uint32, corner int) [3]float32 {
	v := triangles[3*tri+uint32(corner)]
	return [3]float32{positions[3*v], positions[3*v+1], positions[3*v+2]}
}

// pointTriangle returns the distance from p to the triangle plane, the
// (signed-corrected) normal pointing toward p, and whether p projects inside
// the triangle.
func pointTriangle(p, a, b, c [3]float32) (float32, [3]float32, bool) {
	ab := [3]float32{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	ac := [3]float32{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	n := [3]float32{
		ab[1]*ac[2] - ab[2]*ac[1],
		ab[2]*ac[0] - ab[0]*ac[2],
		ab[0]*ac[1] - ab[1]*ac[0],
	}
	nl := float32(math.Sqrt(float64(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])))
	if nl == 0 {
		return 0, n, false
	}
	for k := 0; k < 3; k++ {
		n[k] /= nl
	}
	ap := [3]float32{p[0] - a[0], p[1] - a[1], p[2] - a[2]}
	d := ap[0]*n[0] + ap[1]*n[1] + ap[2]*n[2]
	if d < 0 {
		d = -d
		for k := 0; k < 3; k++ {
			n[k] = -n[k]
		}
	}

	// Barycentric inside test on the projected point.
	d00 := dot3(ab, ab)
	d01 := dot3(ab, ac)
	d11 := dot3(ac, ac)
	d20 := dot3(ap, ab)
	d21 := dot3(ap, ac)
	den := d00*d11 - d01*d01
	if den == 0 {
		return d, n, false
	}
	v := (d11*d20 - d01*d21) / den
	w := (d00*d21 - d01*d20) / den
	return d, n, v >= 0 && w >= 0 && v+w <= 1
}

func dot3(a, b [3]float32) float32 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
