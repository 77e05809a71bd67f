package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sim "github.com/contact-sim/contact-sim/sim"
)

func TestBuildConfig_FlagsOverrideDefaults(t *testing.T) {
	// GIVEN explicit run flags
	require.NoError(t, runCmd.Flags().Set("output", t.TempDir()))
	require.NoError(t, runCmd.Flags().Set("frames", "7"))
	require.NoError(t, runCmd.Flags().Set("dt", "0.01"))

	// WHEN the configuration is assembled
	cfg, err := buildConfig(runCmd)
	require.NoError(t, err)

	// THEN changed flags win and untouched fields keep their defaults
	assert.Equal(t, uint64(7), cfg.Step.Frames)
	assert.Equal(t, 0.01, cfg.Step.Dt)
	assert.Equal(t, int64(1), cfg.Seed)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestBuildConfig_RejectsInvalidFlagValues(t *testing.T) {
	require.NoError(t, resumeCmd.Flags().Set("output", t.TempDir()))
	require.NoError(t, resumeCmd.Flags().Set("step-shrink", "1.5"))

	_, err := buildConfig(resumeCmd)
	assert.Error(t, err)
}

func TestRunDriver_ClosesDriverOnFailure(t *testing.T) {
	// GIVEN a driver whose initialization fails after the workspace lock is
	// taken (the session bundle does not exist)
	cfg := sim.NewConfig()
	cfg.Session = filepath.Join(t.TempDir(), "missing-bundle")
	cfg.Output.Dir = filepath.Join(t.TempDir(), "ws")
	driver := sim.NewDriver(cfg)

	// WHEN the lifecycle helper runs it
	err := runDriver(context.Background(), driver, driver.Initialize)
	require.Error(t, err)

	// THEN teardown already happened: the workspace lock is free again
	l, err := sim.AcquireWorkspace(cfg.Output.Dir, "reacquire")
	require.NoError(t, err)
	l.Release()
}
