package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/contact-sim/contact-sim/sim/kernel"
	"github.com/contact-sim/contact-sim/sim/telemetry"
)

// DriverState is the driver's lifecycle state.
type DriverState int

const (
	StateUninitialized DriverState = iota
	StateInitializing
	StateStepping
	StateCheckpointing
	StateFinished
	StateFailed
)

var stateNames = map[DriverState]string{
	StateUninitialized: "Uninitialized",
	StateInitializing:  "Initializing",
	StateStepping:      "Stepping",
	StateCheckpointing: "Checkpointing",
	StateFinished:      "Finished",
	StateFailed:        "Failed",
}

func (s DriverState) String() string { return stateNames[s] }

// Driver coordinates the per-step pipeline: constraint evaluation, the
// blocking kernel advance, asynchronous BVH upkeep, artifact emission, and
// checkpointing. One simulation thread drives it; the only other concurrency
// in the core is the BvhManager's rebuild worker.
type Driver struct {
	cfg   Config
	runID string

	scene  *Scene
	props  *Props
	ds     *DataSet
	engine *ConstraintEngine
	jitter *Jitter

	bridge  kernel.Bridge
	session *kernel.Session

	bvh        *BvhManager
	lastPushed [NumGeometryClasses]uint64

	ckpt *Checkpointer
	tel  *telemetry.Collector
	lock *WorkspaceLock

	state DriverState
	step  uint64

	// Rebuild bookkeeping: previous positions and cumulative max vertex
	// displacement since the last rebuild request.
	prevPositions []float32
	accumDisp     float64

	lastEpoch uint64 // epoch consumed by the most recent advance
}

// NewDriver creates an uninitialized driver for the given configuration.
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg, runID: uuid.NewString(), state: StateUninitialized}
}

// UseBridge overrides kernel bridge selection. Must be called before
// Initialize; tests inject the reference kernel with fault hooks here.
func (d *Driver) UseBridge(b kernel.Bridge) { d.bridge = b }

// State returns the current lifecycle state.
func (d *Driver) State() DriverState { return d.state }

// Step returns the number of accepted steps so far.
func (d *Driver) Step() uint64 { return d.step }

// Data exposes the live state for inspection by tests and the CLI. The
// caller must not mutate it.
func (d *Driver) Data() *DataSet { return d.ds }

// LastEpoch returns the spatial-index epoch consumed by the latest advance.
func (d *Driver) LastEpoch() uint64 { return d.lastEpoch }

// Initialize runs the Initializing phase: workspace lock, scene load, kernel
// session creation, collider index publication, and the initialize_finish
// marker. On failure the driver transitions to Failed with diagnostics and
// everything acquired so far is released.
func (d *Driver) Initialize(ctx context.Context) error {
	if d.state != StateUninitialized {
		return fmt.Errorf("initialize from state %s", d.state)
	}
	d.state = StateInitializing
	if err := d.initialize(ctx, nil); err != nil {
		d.fail(err)
		return err
	}
	return nil
}

// Resume restores the newest checkpoint in the workspace and prepares to
// continue stepping from it. The BVH is rebuilt from the restored positions;
// epoch counters continue from the checkpointed value, they never go back.
func (d *Driver) Resume(ctx context.Context) error {
	if d.state != StateUninitialized {
		return fmt.Errorf("resume from state %s", d.state)
	}
	d.state = StateInitializing
	ckpt, err := NewCheckpointer(d.cfg.Output.Dir)
	if err != nil {
		d.fail(err)
		return err
	}
	d.ckpt = ckpt
	id, snap, err := ckpt.Latest()
	if err == nil && snap == nil {
		err = fmt.Errorf("no usable checkpoint in %s", d.cfg.Output.Dir)
	}
	if err != nil {
		d.fail(err)
		return err
	}
	logrus.Infof("resuming from checkpoint %s (step %d)", id, snap.Step)
	if err := d.initialize(ctx, snap); err != nil {
		d.fail(err)
		return err
	}
	return nil
}

func (d *Driver) initialize(ctx context.Context, snap *Snapshot) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	lock, err := AcquireWorkspace(d.cfg.Output.Dir, d.workspaceID())
	if err != nil {
		return err
	}
	d.lock = lock

	tel, err := telemetry.New(d.cfg.Output.Dir)
	if err != nil {
		return err
	}
	d.tel = tel
	d.tel.CaptureConsole()

	logrus.Infof("run %s: loading session bundle %s", d.runID, d.cfg.Session)
	scene, err := LoadScene(d.cfg.Session)
	if err != nil {
		return err
	}
	d.scene = scene
	d.props = NewProps(scene)
	d.engine = NewConstraintEngine(scene)

	if d.ckpt == nil {
		if d.ckpt, err = NewCheckpointer(d.cfg.Output.Dir); err != nil {
			return err
		}
	}

	startEpoch := uint64(0)
	if snap != nil {
		if len(snap.Data.Positions) != len(scene.Positions) {
			return fmt.Errorf("checkpoint geometry does not match scene: %w", ErrCheckpointCorrupt)
		}
		d.ds = snap.Data
		d.step = snap.Step
		startEpoch = snap.Epoch
		if d.jitter, err = RestoreJitter(snap.Jitter); err != nil {
			return err
		}
	} else {
		d.ds = NewDataSet(scene)
		d.jitter = NewJitter(d.cfg.Seed)
	}
	d.prevPositions = append([]float32(nil), d.ds.Positions...)

	if d.bridge == nil {
		bridge, err := kernel.Select(d.cfg.RequireAccelerator)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)
		}
		d.bridge = bridge
	}
	logrus.Infof("kernel bridge: %s (layout %x)", d.bridge.Name(), kernel.Version())

	session, err := d.bridge.Initialize(d.sceneInput())
	if err != nil {
		switch {
		case errors.Is(err, kernel.ErrLayoutMismatch):
			return fmt.Errorf("%w: %v", ErrLayoutVersionMismatch, err)
		case errors.Is(err, kernel.ErrUnavailable):
			return fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)
		}
		return err
	}
	d.session = session

	d.bvh = NewBvhManager(startEpoch)
	// The static collider never moves: build and push its index before the
	// first step so contact resolution is live from step one.
	if len(scene.Collider.Triangles) > 0 {
		d.bvh.PublishImmediate(ClassCollider, scene.Collider.Positions, scene.Collider.Triangles, 3)
	}
	d.requestAllRebuilds()
	d.pushPublishedIndices()

	if err := d.writeSummary(); err != nil {
		logrus.Warnf("writing parameter summary: %v", err)
	}
	if err := WriteMarker(d.cfg.Output.Dir, InitializeFinishMarker); err != nil {
		return err
	}
	d.state = StateStepping
	logrus.Infof("run %s initialized: %d vertices, %d elements, mass %.4g",
		d.runID, d.props.NumVertices, scene.NumElements(), d.props.TotalMass)
	return nil
}

// Run executes the stepping loop until the target frame count is reached or
// the context is cancelled between steps. A step is atomic from the
// accelerator's perspective: cancellation never interrupts a blocking
// advance.
func (d *Driver) Run(ctx context.Context) error {
	if d.state != StateStepping {
		return fmt.Errorf("run from state %s", d.state)
	}
	for d.step < d.cfg.Step.Frames {
		select {
		case <-ctx.Done():
			logrus.Infof("[frame %06d] cancellation observed, stopping", d.step)
			return ctx.Err()
		default:
		}

		if err := d.advanceOnce(ctx); err != nil {
			d.fail(err)
			return err
		}

		every := d.cfg.Output.CheckpointEvery
		if every > 0 && d.step%every == 0 {
			if err := d.checkpoint(); err != nil {
				d.fail(err)
				return err
			}
		}
	}

	if err := d.checkpoint(); err != nil {
		d.fail(err)
		return err
	}
	if err := WriteMarker(d.cfg.Output.Dir, FinishedMarker); err != nil {
		d.fail(err)
		return err
	}
	d.state = StateFinished
	d.logSummary()
	logrus.Infof("run %s finished at step %d", d.runID, d.step)
	return nil
}

// advanceOnce performs one simulation step, retrying with a reduced step
// size on divergence up to the configured bound.
func (d *Driver) advanceOnce(ctx context.Context) error {
	d.pushPublishedIndices()
	epoch := d.maxPublishedEpoch()
	if epoch < d.lastEpoch {
		// Published epochs are monotone per class; the max never drops.
		return fmt.Errorf("spatial index epoch went backwards: %d < %d", epoch, d.lastEpoch)
	}

	dt := float32(d.cfg.Step.Dt)
	stepStart := time.Now()
	var result *kernel.StepResult

	for attempt := 0; ; attempt++ {
		offsets := d.engine.Evaluate(d.ds.Time + float64(dt))
		req := &kernel.AdvanceRequest{
			Generation: d.ds.Generation,
			Epoch:      epoch,
			Dt:         dt,
			Time:       float32(d.ds.Time),
			Positions:  d.ds.Positions,
			Velocities: d.ds.Velocities,
			Contacts:   d.ds.Contacts,
			Pins:       pinsToKernel(offsets.Pinned),
		}
		var err error
		result, err = d.bridge.Advance(ctx, d.session, req)
		if err == nil {
			break
		}
		if !errors.Is(err, kernel.ErrDiverged) {
			return err
		}
		if attempt >= d.cfg.Retry.MaxAttempts {
			return fmt.Errorf("step %d diverged after %d retries: %w",
				d.step, d.cfg.Retry.MaxAttempts, ErrNumericalDivergence)
		}
		dt = float32(float64(dt) * d.cfg.Retry.StepShrink)
		logrus.Warnf("[frame %06d] divergence, retry %d/%d with dt=%g",
			d.step, attempt+1, d.cfg.Retry.MaxAttempts, dt)
		d.tel.Record("divergence_retry", d.ds.Time, float64(attempt+1))
	}

	d.step++
	d.ds.Generation++
	d.ds.Time += float64(dt)
	d.lastEpoch = epoch

	d.recordStep(result, time.Since(stepStart).Seconds())
	d.maybeRequestRebuild()
	d.writeFrameArtifact()

	logrus.Debugf("[frame %06d] t=%.4f iters=%d contacts=%d stretch=%.4f epoch=%d",
		d.step, d.ds.Time, result.Iterations, result.ContactCount, result.MaxStretch, epoch)
	return nil
}

// checkpoint runs the Checkpointing phase and returns to Stepping.
func (d *Driver) checkpoint() error {
	d.state = StateCheckpointing
	jitter, err := d.jitter.MarshalState()
	if err == nil {
		_, err = d.ckpt.Save(d.ds, d.step, d.maxPublishedEpoch(), jitter)
	}
	d.state = StateStepping
	if err != nil {
		return fmt.Errorf("checkpointing at step %d: %w", d.step, err)
	}
	return nil
}

// Close tears down the kernel session, the BVH worker, telemetry, and the
// workspace lock. Idempotent; safe after a failure path.
func (d *Driver) Close() {
	if d.session != nil && d.bridge != nil {
		if err := d.bridge.Finalize(d.session); err != nil {
			logrus.Warnf("finalizing kernel session: %v", err)
		}
		d.session = nil
	}
	if d.bvh != nil {
		d.bvh.Close()
		d.bvh = nil
	}
	if d.tel != nil {
		d.tel.Close()
		d.tel = nil
	}
	if d.lock != nil {
		d.lock.Release()
		d.lock = nil
	}
}

// fail transitions to Failed, writes diagnostics, and preserves the last
// good checkpoint for operator inspection.
func (d *Driver) fail(cause error) {
	d.state = StateFailed
	logrus.Errorf("run %s failed at step %d: %v", d.runID, d.step, cause)
	diag := fmt.Sprintf("run: %s\nstep: %d\nerror: %v\n", d.runID, d.step, cause)
	path := filepath.Join(d.cfg.Output.Dir, "failure.txt")
	if err := os.WriteFile(path, []byte(diag), 0o644); err != nil {
		logrus.Warnf("writing failure diagnostics: %v", err)
	}
}

// workspaceID is the logical workspace identity the lock belongs to,
// independent of how the binary is named.
func (d *Driver) workspaceID() string {
	if d.scene != nil && d.scene.Name != "" {
		return d.scene.Name
	}
	return filepath.Base(d.cfg.Session)
}

func (d *Driver) sceneInput() *kernel.SceneInput {
	s := d.scene
	return &kernel.SceneInput{
		LayoutVersion:     kernel.Version(),
		Positions:         s.Positions,
		Triangles:         s.Triangles,
		Tetrahedra:        s.Tetrahedra,
		Segments:          s.Segments,
		Density:           s.Density,
		ContactGap:        s.ContactGap,
		Stiffness:         s.Stiffness,
		ColliderPositions: s.Collider.Positions,
		ColliderTriangles: s.Collider.Triangles,
		ColliderFriction:  s.Collider.Friction,
		TotalMass:         d.props.TotalMass,
		Gravity: [3]float32{
			float32(d.cfg.Step.Gravity[0]),
			float32(d.cfg.Step.Gravity[1]),
			float32(d.cfg.Step.Gravity[2]),
		},
		Iterations: d.cfg.Step.Iterations,
	}
}

// requestAllRebuilds queues a rebuild for every deformable class present.
func (d *Driver) requestAllRebuilds() {
	s := d.scene
	if len(s.Triangles) > 0 {
		d.bvh.RequestRebuild(ClassSurface, d.ds.Positions, s.Triangles, 3)
	}
	if len(s.Tetrahedra) > 0 {
		d.bvh.RequestRebuild(ClassVolume, d.ds.Positions, s.Tetrahedra, 4)
	}
	if len(s.Segments) > 0 {
		d.bvh.RequestRebuild(ClassCurve, d.ds.Positions, s.Segments, 2)
	}
}

// maybeRequestRebuild accumulates the max vertex displacement since the last
// rebuild and requests one when it crosses the margin. Not every step: a
// published tree stays valid for proximity queries up to the safety margin.
func (d *Driver) maybeRequestRebuild() {
	maxDisp := 0.0
	for i := 0; i+2 < len(d.ds.Positions); i += 3 {
		dx := float64(d.ds.Positions[i] - d.prevPositions[i])
		dy := float64(d.ds.Positions[i+1] - d.prevPositions[i+1])
		dz := float64(d.ds.Positions[i+2] - d.prevPositions[i+2])
		if disp := math.Sqrt(dx*dx + dy*dy + dz*dz); disp > maxDisp {
			maxDisp = disp
		}
	}
	copy(d.prevPositions, d.ds.Positions)
	d.accumDisp += maxDisp
	if d.accumDisp < d.cfg.Rebuild.Margin {
		return
	}
	d.accumDisp = 0
	d.requestAllRebuilds()
}

// pushPublishedIndices forwards any newly published trees to the kernel.
// Runs between steps only, so it never races an in-flight advance.
func (d *Driver) pushPublishedIndices() {
	for class := GeometryClass(0); class < NumGeometryClasses; class++ {
		epoch, tree := d.bvh.Latest(class)
		if tree == nil || epoch <= d.lastPushed[class] {
			continue
		}
		d.bridge.UpdateSpatialIndex(d.session, flattenTree(tree))
		d.lastPushed[class] = epoch
	}
}

// maxPublishedEpoch is the epoch an advance call consumes: the newest
// published tree across classes. Monotone because each class publishes in
// epoch order.
func (d *Driver) maxPublishedEpoch() uint64 {
	top := uint64(0)
	for class := GeometryClass(0); class < NumGeometryClasses; class++ {
		if epoch, _ := d.bvh.Latest(class); epoch > top {
			top = epoch
		}
	}
	return top
}

// recordStep feeds the step's metrics to telemetry. Several records share
// the step's timestamp; their relative order is the recording order.
func (d *Driver) recordStep(r *kernel.StepResult, wallSeconds float64) {
	t := d.ds.Time
	d.tel.Record("newton_iterations", t, float64(r.Iterations))
	d.tel.Record("max_stretch", t, float64(r.MaxStretch))
	d.tel.Record("contact_count", t, float64(r.ContactCount))
	for _, s := range r.SolveSeconds {
		d.tel.Record("linear_solve_seconds", t, s)
	}
	d.tel.Record("step_seconds", t, wallSeconds)
}

// writeFrameArtifact emits the per-frame geometry snapshot. IO failure here
// is recoverable: logged, never aborts the run.
func (d *Driver) writeFrameArtifact() {
	every := d.cfg.Output.FrameEvery
	if every > 1 && d.step%every != 0 {
		return
	}
	dir := filepath.Join(d.cfg.Output.Dir, "frames")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logrus.Warnf("[frame %06d] frame artifact: %v", d.step, err)
		return
	}
	raw := make([]byte, 4*len(d.ds.Positions))
	for i, x := range d.ds.Positions {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(x))
	}
	path := filepath.Join(dir, fmt.Sprintf("frame_%06d.bin", d.step))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		logrus.Warnf("[frame %06d] frame artifact: %v", d.step, err)
	}
}

// writeSummary emits the once-per-run human-readable parameter summary.
func (d *Driver) writeSummary() error {
	path := filepath.Join(d.cfg.Output.Dir, "params.txt")
	return os.WriteFile(path, []byte(d.props.Summary()), 0o644)
}

// logSummary prints per-metric aggregates at the end of a successful run.
func (d *Driver) logSummary() {
	for name, s := range telemetry.Summarize(d.tel) {
		logrus.Infof("metric %-22s count=%d mean=%.6g max=%.6g p95=%.6g",
			name, s.Count, s.Mean, s.Max, s.P95)
	}
}

func pinsToKernel(pins []PinOffset) []kernel.Pin {
	out := make([]kernel.Pin, len(pins))
	for i, p := range pins {
		out[i] = kernel.Pin{Vertex: p.Vertex, Dx: p.Delta[0], Dy: p.Delta[1], Dz: p.Delta[2]}
	}
	return out
}

// flattenTree converts a published tree to the device index layout.
func flattenTree(t *Tree) *kernel.IndexBlock {
	idx := &kernel.IndexBlock{
		Class: uint32(t.Class),
		Epoch: t.Epoch,
		Nodes: make([]kernel.IndexNode, len(t.Nodes)),
		Prims: t.Prims,
	}
	for i, n := range t.Nodes {
		idx.Nodes[i] = kernel.IndexNode{
			Min:   n.Box.Min,
			Max:   n.Box.Max,
			Left:  n.Left,
			Right: n.Right,
			First: n.First,
			Count: n.Count,
		}
	}
	return idx
}
