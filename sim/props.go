package sim

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Props holds aggregate scalars derived once from the Scene. Immutable after
// NewProps; the driver owns the only instance.
type Props struct {
	NumVertices   int
	NumTriangles  int
	NumTetrahedra int
	NumSegments   int

	TotalMass   float64 // sum over elements of density × measure
	SurfaceArea float64 // total triangle area
	Volume      float64 // total tetrahedron volume
	CurveLength float64 // total segment length

	MeanContactGap float64
	MeanStiffness  float64
}

// NewProps computes the derived aggregates from a loaded scene.
func NewProps(s *Scene) *Props {
	p := &Props{
		NumVertices:   s.NumVertices,
		NumTriangles:  s.NumTriangles(),
		NumTetrahedra: s.NumTetrahedra(),
		NumSegments:   s.NumSegments(),
	}

	pos := func(v uint32) [3]float64 {
		return [3]float64{
			float64(s.Positions[3*v]),
			float64(s.Positions[3*v+1]),
			float64(s.Positions[3*v+2]),
		}
	}

	elem := 0
	for i := 0; i < p.NumTriangles; i++ {
		a, b, c := pos(s.Triangles[3*i]), pos(s.Triangles[3*i+1]), pos(s.Triangles[3*i+2])
		area := triangleArea(a, b, c)
		p.SurfaceArea += area
		p.TotalMass += float64(s.Density[elem]) * area
		elem++
	}
	for i := 0; i < p.NumTetrahedra; i++ {
		a := pos(s.Tetrahedra[4*i])
		b := pos(s.Tetrahedra[4*i+1])
		c := pos(s.Tetrahedra[4*i+2])
		d := pos(s.Tetrahedra[4*i+3])
		vol := tetVolume(a, b, c, d)
		p.Volume += vol
		p.TotalMass += float64(s.Density[elem]) * vol
		elem++
	}
	for i := 0; i < p.NumSegments; i++ {
		a, b := pos(s.Segments[2*i]), pos(s.Segments[2*i+1])
		l := dist(a, b)
		p.CurveLength += l
		p.TotalMass += float64(s.Density[elem]) * l
		elem++
	}

	if n := len(s.ContactGap); n > 0 {
		p.MeanContactGap = floats.Sum(toFloat64(s.ContactGap)) / float64(n)
	}
	if n := len(s.Stiffness); n > 0 {
		p.MeanStiffness = floats.Sum(toFloat64(s.Stiffness)) / float64(n)
	}
	return p
}

// Summary renders the human-readable parameter summary written once per run.
func (p *Props) Summary() string {
	var b strings.Builder
	b.WriteString("=== Scene Properties ===\n")
	fmt.Fprintf(&b, "Vertices        : %d\n", p.NumVertices)
	fmt.Fprintf(&b, "Triangles       : %d\n", p.NumTriangles)
	fmt.Fprintf(&b, "Tetrahedra      : %d\n", p.NumTetrahedra)
	fmt.Fprintf(&b, "Segments        : %d\n", p.NumSegments)
	fmt.Fprintf(&b, "Total Mass      : %.6g\n", p.TotalMass)
	fmt.Fprintf(&b, "Surface Area    : %.6g\n", p.SurfaceArea)
	fmt.Fprintf(&b, "Volume          : %.6g\n", p.Volume)
	fmt.Fprintf(&b, "Curve Length    : %.6g\n", p.CurveLength)
	fmt.Fprintf(&b, "Mean Contact Gap: %.6g\n", p.MeanContactGap)
	fmt.Fprintf(&b, "Mean Stiffness  : %.6g\n", p.MeanStiffness)
	return b.String()
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(a [3]float64) float64 {
	return math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
}

func dist(a, b [3]float64) float64 { return norm(sub(a, b)) }

func triangleArea(a, b, c [3]float64) float64 {
	return 0.5 * norm(cross(sub(b, a), sub(c, a)))
}

func tetVolume(a, b, c, d [3]float64) float64 {
	u, v, w := sub(b, a), sub(c, a), sub(d, a)
	x := cross(v, w)
	return math.Abs(u[0]*x[0]+u[1]*x[1]+u[2]*x[2]) / 6.0
}
