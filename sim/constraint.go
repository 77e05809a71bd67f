package sim

import "math"

// ValidEasings is the set of recognized ramp easing names. Shared by scene
// validation and evaluation so the two cannot drift apart.
var ValidEasings = map[string]bool{
	"":            true, // empty defaults to linear
	"linear":      true,
	"smoothstep":  true,
	"ease-in-out": true,
	"hold":        true,
}

// PinOffset is the evaluated displacement for one pinned vertex at a given
// time: the vertex is held at rest position + Delta.
type PinOffset struct {
	Vertex uint32
	Delta  [3]float32
}

// Offsets is the result of one constraint evaluation: the current value of
// every named ramp plus the displacement of every pinned vertex.
type Offsets struct {
	Ramps  map[string]float64
	Pinned []PinOffset
}

// ConstraintEngine evaluates the scene's time-varying pin/ramp constraints.
// It is the single interpolation path in the repo: every component that needs
// a constraint displacement calls Evaluate, nothing re-implements easing.
type ConstraintEngine struct {
	ramps map[string]RampSpec
	pins  []PinSpec
}

// NewConstraintEngine indexes the scene's constraint definitions.
func NewConstraintEngine(s *Scene) *ConstraintEngine {
	e := &ConstraintEngine{
		ramps: make(map[string]RampSpec, len(s.Ramps)),
		pins:  s.Pins,
	}
	for _, r := range s.Ramps {
		e.ramps[r.Name] = r
	}
	return e
}

// Evaluate recomputes all constraint offsets at simulated time t. No caching
// across steps: ramps are time-continuous and the step size may vary.
func (e *ConstraintEngine) Evaluate(t float64) Offsets {
	out := Offsets{Ramps: make(map[string]float64, len(e.ramps))}
	for name, r := range e.ramps {
		out.Ramps[name] = evalRamp(r, t)
	}
	for _, p := range e.pins {
		scale := 1.0
		if p.Ramp != "" {
			scale = out.Ramps[p.Ramp]
		}
		for _, v := range p.Vertices {
			out.Pinned = append(out.Pinned, PinOffset{
				Vertex: uint32(v),
				Delta: [3]float32{
					float32(float64(p.Offset[0]) * scale),
					float32(float64(p.Offset[1]) * scale),
					float32(float64(p.Offset[2]) * scale),
				},
			})
		}
	}
	return out
}

// evalRamp applies the easing curve between the ramp's two keyframes and
// clamps to the nearest keyframe outside the active interval.
func evalRamp(r RampSpec, t float64) float64 {
	if t <= r.StartTime {
		return r.StartValue
	}
	if t >= r.EndTime || r.EndTime == r.StartTime {
		return r.EndValue
	}
	u := (t - r.StartTime) / (r.EndTime - r.StartTime)
	switch r.Easing {
	case "smoothstep":
		u = u * u * (3 - 2*u)
	case "ease-in-out":
		if u < 0.5 {
			u = 4 * u * u * u
		} else {
			u = 1 - math.Pow(-2*u+2, 3)/2
		}
	case "hold":
		u = 0
	default: // linear
	}
	return r.StartValue + (r.EndValue-r.StartValue)*u
}
