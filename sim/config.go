package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepConfig groups the time-integration parameters.
type StepConfig struct {
	Dt         float64    // step size in seconds (must be > 0)
	Frames     uint64     // target frame count (must be > 0)
	Gravity    [3]float64 // acceleration applied by the kernel
	Iterations int        // kernel projection iterations per step (0 = kernel default)
}

// RetryPolicy bounds the response to a diverged step: shrink dt and retry up
// to MaxAttempts times, then fail the run. Tunable, not hard-coded — the
// right bound depends on the scene.
type RetryPolicy struct {
	MaxAttempts int     // retries before the run transitions to Failed
	StepShrink  float64 // dt multiplier per retry, in (0, 1)
}

// RebuildPolicy decides when the driver requests a BVH rebuild.
type RebuildPolicy struct {
	// Margin is the cumulative max vertex displacement since the last
	// rebuild beyond which the published tree is no longer trusted for
	// proximity queries.
	Margin float64
}

// OutputConfig groups artifact emission settings.
type OutputConfig struct {
	Dir             string
	CheckpointEvery uint64 // steps between checkpoints (0 = only at end)
	FrameEvery      uint64 // steps between frame artifacts (0 = every step)
}

// Config is the full driver configuration.
type Config struct {
	Session string // session bundle directory
	Seed    int64
	Step    StepConfig
	Retry   RetryPolicy
	Rebuild RebuildPolicy
	Output  OutputConfig

	// RequireAccelerator refuses to fall back to the reference kernel.
	RequireAccelerator bool
}

// NewConfig returns the defaults a run starts from before CLI flags and the
// bundle's override file are applied.
func NewConfig() Config {
	return Config{
		Seed: 1,
		Step: StepConfig{
			Dt:      1.0 / 60.0,
			Frames:  240,
			Gravity: [3]float64{0, -9.8, 0},
		},
		Retry:   RetryPolicy{MaxAttempts: 3, StepShrink: 0.5},
		Rebuild: RebuildPolicy{Margin: 0.05},
		Output:  OutputConfig{CheckpointEvery: 50, FrameEvery: 1},
	}
}

// Validate checks parameter ranges before any work starts.
func (c *Config) Validate() error {
	if c.Step.Dt <= 0 {
		return fmt.Errorf("dt must be positive, got %g", c.Step.Dt)
	}
	if c.Step.Frames == 0 {
		return fmt.Errorf("frame count must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.StepShrink <= 0 || c.Retry.StepShrink >= 1 {
		return fmt.Errorf("step shrink must be in (0, 1), got %g", c.Retry.StepShrink)
	}
	if c.Rebuild.Margin <= 0 {
		return fmt.Errorf("rebuild margin must be positive, got %g", c.Rebuild.Margin)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output directory not set")
	}
	return nil
}

// ConfigBundle is the optional per-session override block, embeddable in
// session.yaml or loadable from a standalone file. Nil pointer fields mean
// "not set" — they do not override the defaults.
type ConfigBundle struct {
	Dt              *float64 `yaml:"dt"`
	Frames          *uint64  `yaml:"frames"`
	Iterations      *int     `yaml:"iterations"`
	RetryAttempts   *int     `yaml:"retry-attempts"`
	StepShrink      *float64 `yaml:"step-shrink"`
	RebuildMargin   *float64 `yaml:"rebuild-margin"`
	CheckpointEvery *uint64  `yaml:"checkpoint-every"`
}

// LoadConfigBundle reads a standalone YAML override file.
func LoadConfigBundle(path string) (*ConfigBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config overrides: %w", err)
	}
	var b ConfigBundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing config overrides: %w", err)
	}
	return &b, nil
}

// Apply folds the set fields of the bundle into a config.
func (b *ConfigBundle) Apply(c *Config) {
	if b == nil {
		return
	}
	if b.Dt != nil {
		c.Step.Dt = *b.Dt
	}
	if b.Frames != nil {
		c.Step.Frames = *b.Frames
	}
	if b.Iterations != nil {
		c.Step.Iterations = *b.Iterations
	}
	if b.RetryAttempts != nil {
		c.Retry.MaxAttempts = *b.RetryAttempts
	}
	if b.StepShrink != nil {
		c.Retry.StepShrink = *b.StepShrink
	}
	if b.RebuildMargin != nil {
		c.Rebuild.Margin = *b.RebuildMargin
	}
	if b.CheckpointEvery != nil {
		c.Output.CheckpointEvery = *b.CheckpointEvery
	}
}
