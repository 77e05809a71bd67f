package sim

// DataSet is the mutable per-step simulation state. It is exclusively owned
// and mutated by the SimulationDriver across the kernel boundary; exactly one
// generation exists per accepted step. Nothing else holds a live reference —
// the BVH worker and the checkpointer always receive copies.
type DataSet struct {
	// Positions and Velocities are column-major 3×NumVertices float32.
	Positions  []float32
	Velocities []float32
	// Contacts is the per-vertex Lagrange/contact auxiliary buffer.
	Contacts []float32

	Generation uint64  // incremented once per accepted step
	Time       float64 // simulated time
}

// NewDataSet builds the generation-zero state from a scene: positions copied
// from the rest pose, velocities and contact buffers zeroed.
func NewDataSet(s *Scene) *DataSet {
	ds := &DataSet{
		Positions:  make([]float32, len(s.Positions)),
		Velocities: make([]float32, len(s.Positions)),
		Contacts:   make([]float32, s.NumVertices),
	}
	copy(ds.Positions, s.Positions)
	return ds
}

// Clone deep-copies the state. Used for checkpoint snapshots and BVH rebuild
// hand-offs so workers never alias the live buffers.
func (ds *DataSet) Clone() *DataSet {
	c := &DataSet{
		Positions:  make([]float32, len(ds.Positions)),
		Velocities: make([]float32, len(ds.Velocities)),
		Contacts:   make([]float32, len(ds.Contacts)),
		Generation: ds.Generation,
		Time:       ds.Time,
	}
	copy(c.Positions, ds.Positions)
	copy(c.Velocities, ds.Velocities)
	copy(c.Contacts, ds.Contacts)
	return c
}

// CopyFrom overwrites this state with another of the same shape. Used on
// checkpoint restore and when rolling back a diverged step.
func (ds *DataSet) CopyFrom(other *DataSet) {
	copy(ds.Positions, other.Positions)
	copy(ds.Velocities, other.Velocities)
	copy(ds.Contacts, other.Contacts)
	ds.Generation = other.Generation
	ds.Time = other.Time
}
