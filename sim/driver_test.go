package sim

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contact-sim/contact-sim/sim/kernel"
)

// advanceRecorder wraps a bridge and records the epoch each advance consumed.
// With bvh set it also waits out the rebuild worker after every step, so the
// next step deterministically observes the tree built from this step's
// request instead of racing the publication.
type advanceRecorder struct {
	kernel.Bridge
	bvh    *BvhManager
	epochs []uint64
}

func (a *advanceRecorder) Advance(ctx context.Context, s *kernel.Session, req *kernel.AdvanceRequest) (*kernel.StepResult, error) {
	a.epochs = append(a.epochs, req.Epoch)
	result, err := a.Bridge.Advance(ctx, s, req)
	if a.bvh != nil {
		// One surface rebuild was requested per completed step plus one at
		// initialization; wait until the newest of those is published.
		want := uint64(len(a.epochs))
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if epoch, tree := a.bvh.Latest(ClassSurface); tree != nil && epoch >= want {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	return result, err
}

// failingBridge refuses to initialize with a fixed error.
type failingBridge struct {
	kernel.Bridge
	initErr error
}

func (f *failingBridge) Initialize(in *kernel.SceneInput) (*kernel.Session, error) {
	return nil, f.initErr
}

func TestDriver_InitializeFinalizeZeroSteps(t *testing.T) {
	// GIVEN an initialized driver that never steps
	cfg := testConfig(t, writeClothBundle(t))
	d := NewDriver(cfg)
	require.NoError(t, d.Initialize(context.Background()))
	assert.Equal(t, StateStepping, d.State())
	assert.True(t, HasMarker(cfg.Output.Dir, InitializeFinishMarker))

	// WHEN closed without running
	d.Close()
	d.Close() // idempotent

	// THEN the workspace lock is released and re-acquirable
	l, err := AcquireWorkspace(cfg.Output.Dir, "again")
	require.NoError(t, err)
	l.Release()
}

func TestDriver_RunToCompletion(t *testing.T) {
	cfg := testConfig(t, writeClothBundle(t))
	cfg.Step.Frames = 5
	cfg.Output.CheckpointEvery = 2
	d := NewDriver(cfg)
	defer d.Close()

	require.NoError(t, d.Initialize(context.Background()))
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, StateFinished, d.State())
	assert.Equal(t, uint64(5), d.Step())
	assert.True(t, HasMarker(cfg.Output.Dir, FinishedMarker))

	// Artifacts: per-frame geometry, parameter summary, metric records.
	frames, err := os.ReadDir(filepath.Join(cfg.Output.Dir, "frames"))
	require.NoError(t, err)
	assert.Len(t, frames, 5)
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, "params.txt"))
	assert.NoError(t, err)
	metrics, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "metrics.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, metrics)
}

func TestDriver_PinsTrackedAndStateFiniteAfterRun(t *testing.T) {
	// One simulated second: the pull ramp completes, so the pinned corners
	// must sit exactly at rest + full offset while the free cloth sags.
	cfg := testConfig(t, writeClothBundle(t))
	cfg.Step.Frames = 60
	d := NewDriver(cfg)
	defer d.Close()
	require.NoError(t, d.Initialize(context.Background()))
	require.NoError(t, d.Run(context.Background()))

	pos := d.Data().Positions
	for _, x := range pos {
		require.False(t, math.IsNaN(float64(x)) || math.IsInf(float64(x), 0))
	}
	// Pinned vertices 0 and 2: rest y 0.5 plus the ramp's 0.1 lift.
	assert.InDelta(t, 0.6, pos[3*0+1], 1e-4)
	assert.InDelta(t, 0.6, pos[3*2+1], 1e-4)
	// The unpinned center vertex fell under gravity.
	assert.Less(t, pos[3*4+1], float32(0.5))
}

func TestDriver_EpochMonotoneAcrossSteps(t *testing.T) {
	// GIVEN a rebuild margin small enough to trigger rebuilds every step
	cfg := testConfig(t, writeClothBundle(t))
	cfg.Step.Frames = 20
	cfg.Rebuild.Margin = 1e-6
	rec := &advanceRecorder{Bridge: kernel.NewReference()}
	d := NewDriver(cfg)
	defer d.Close()
	d.UseBridge(rec)

	require.NoError(t, d.Initialize(context.Background()))
	rec.bvh = d.bvh
	require.NoError(t, d.Run(context.Background()))

	// THEN the epoch consumed at step k+1 is >= the epoch at step k
	require.Len(t, rec.epochs, 20)
	for i := 1; i < len(rec.epochs); i++ {
		assert.GreaterOrEqual(t, rec.epochs[i], rec.epochs[i-1],
			"epoch regressed between steps %d and %d", i-1, i)
	}
	// And every step past the first consumed the rebuild requested before it.
	last := rec.epochs[len(rec.epochs)-1]
	assert.GreaterOrEqual(t, last, uint64(len(rec.epochs)-1))
	assert.Greater(t, last, rec.epochs[0])
}

func TestDriver_SecondInitializeOnWorkspaceFailsBusy(t *testing.T) {
	// GIVEN a live driver holding the workspace
	bundle := writeClothBundle(t)
	cfg := testConfig(t, bundle)
	d1 := NewDriver(cfg)
	defer d1.Close()
	require.NoError(t, d1.Initialize(context.Background()))

	// WHEN a second driver initializes against the same workspace
	d2 := NewDriver(cfg)
	defer d2.Close()
	err := d2.Initialize(context.Background())

	// THEN it fails fast with WorkspaceBusy and the second driver is Failed
	assert.True(t, errors.Is(err, ErrWorkspaceBusy), "got %v", err)
	assert.Equal(t, StateFailed, d2.State())
}

func TestDriver_DivergenceRetriesExactlyBudgetThenFails(t *testing.T) {
	// GIVEN a kernel that diverges at generation 3 no matter the dt
	cfg := testConfig(t, writeClothBundle(t))
	cfg.Step.Frames = 10
	cfg.Output.CheckpointEvery = 2
	cfg.Retry.MaxAttempts = 3
	ref := kernel.NewReference()
	attempts := 0
	ref.DivergeFault = func(gen uint64) bool {
		if gen == 3 {
			attempts++
			return true
		}
		return false
	}
	d := NewDriver(cfg)
	defer d.Close()
	d.UseBridge(ref)
	require.NoError(t, d.Initialize(context.Background()))

	// WHEN the run hits the poisoned step
	err := d.Run(context.Background())

	// THEN exactly initial attempt + MaxAttempts retries were made
	assert.True(t, errors.Is(err, ErrNumericalDivergence), "got %v", err)
	assert.Equal(t, 1+cfg.Retry.MaxAttempts, attempts)
	assert.Equal(t, StateFailed, d.State())

	// Diagnostics and the last good checkpoint survive.
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, "failure.txt"))
	assert.NoError(t, err)
	ckpt, err := NewCheckpointer(cfg.Output.Dir)
	require.NoError(t, err)
	_, snap, err := ckpt.Latest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(2), snap.Step)
}

func TestDriver_DivergenceRecoveredByStepShrink(t *testing.T) {
	// A kernel that diverges only on the first attempt of generation 2:
	// the retry at reduced dt succeeds and the run completes.
	cfg := testConfig(t, writeClothBundle(t))
	cfg.Step.Frames = 5
	tried := false
	ref := kernel.NewReference()
	ref.DivergeFault = func(gen uint64) bool {
		if gen == 2 && !tried {
			tried = true
			return true
		}
		return false
	}
	d := NewDriver(cfg)
	defer d.Close()
	d.UseBridge(ref)
	require.NoError(t, d.Initialize(context.Background()))
	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, StateFinished, d.State())
}

func TestDriver_ResumeMatchesUninterruptedRun(t *testing.T) {
	bundle := writeClothBundle(t)

	// GIVEN an uninterrupted run to step 30
	cfgA := testConfig(t, bundle)
	cfgA.Step.Frames = 30
	dA := NewDriver(cfgA)
	require.NoError(t, dA.Initialize(context.Background()))
	require.NoError(t, dA.Run(context.Background()))
	wantPositions := positionsBits(dA.Data().Positions)
	wantVelocities := positionsBits(dA.Data().Velocities)
	dA.Close()

	// AND a run checkpointed at step 15
	cfgB := testConfig(t, bundle)
	cfgB.Step.Frames = 15
	dB := NewDriver(cfgB)
	require.NoError(t, dB.Initialize(context.Background()))
	require.NoError(t, dB.Run(context.Background()))
	dB.Close()

	// WHEN resuming that workspace and stepping to 30
	cfgC := cfgB
	cfgC.Step.Frames = 30
	dC := NewDriver(cfgC)
	defer dC.Close()
	require.NoError(t, dC.Resume(context.Background()))
	require.NoError(t, dC.Run(context.Background()))

	// THEN the resumed state is bit-identical to the uninterrupted run
	assert.Equal(t, wantPositions, positionsBits(dC.Data().Positions))
	assert.Equal(t, wantVelocities, positionsBits(dC.Data().Velocities))
	assert.Equal(t, uint64(30), dC.Step())
}

func TestDriver_ResumeWithoutCheckpointFails(t *testing.T) {
	cfg := testConfig(t, writeClothBundle(t))
	d := NewDriver(cfg)
	defer d.Close()
	err := d.Resume(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateFailed, d.State())
}

func TestDriver_LayoutMismatchFatalAtInitialize(t *testing.T) {
	cfg := testConfig(t, writeClothBundle(t))
	d := NewDriver(cfg)
	defer d.Close()
	d.UseBridge(&failingBridge{Bridge: kernel.NewReference(), initErr: kernel.ErrLayoutMismatch})

	err := d.Initialize(context.Background())

	assert.True(t, errors.Is(err, ErrLayoutVersionMismatch), "got %v", err)
	assert.Equal(t, StateFailed, d.State())
	assert.False(t, HasMarker(cfg.Output.Dir, InitializeFinishMarker))
}

func TestDriver_RequireAcceleratorFailsWithoutDevice(t *testing.T) {
	// Built without the accel tag there is no native bridge to require.
	cfg := testConfig(t, writeClothBundle(t))
	cfg.RequireAccelerator = true
	d := NewDriver(cfg)
	defer d.Close()

	err := d.Initialize(context.Background())
	assert.True(t, errors.Is(err, ErrAcceleratorUnavailable), "got %v", err)
}

func TestDriver_CancellationObservedBetweenSteps(t *testing.T) {
	cfg := testConfig(t, writeClothBundle(t))
	cfg.Step.Frames = 1000
	d := NewDriver(cfg)
	defer d.Close()
	require.NoError(t, d.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the first step
	err := d.Run(ctx)

	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, uint64(0), d.Step())
	assert.False(t, HasMarker(cfg.Output.Dir, FinishedMarker))
}
