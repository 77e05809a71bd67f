package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/contact-sim/contact-sim/sim"
)

var (
	// CLI flags shared by run/resume
	sessionPath     string  // session bundle directory
	outputDir       string  // workspace/output directory
	logLevel        string  // log verbosity level
	seed            int64   // master seed for jitter derivation
	frames          uint64  // target frame count
	dt              float64 // step size in seconds
	iterations      int     // kernel projection iterations per step (0 = kernel default)
	checkpointEvery uint64  // steps between checkpoints
	frameEvery      uint64  // steps between frame artifacts
	retryAttempts   int     // divergence retries before the run fails
	stepShrink      float64 // dt multiplier per divergence retry
	rebuildMargin   float64 // displacement margin triggering a BVH rebuild
	requireAccel    bool    // fail instead of falling back to the reference kernel
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "contact-sim",
	Short: "Driver for penetration-free deformable-body contact simulation",
}

// buildConfig folds defaults, the bundle's config overrides, and CLI flags
// into the driver configuration.
func buildConfig(cmd *cobra.Command) (sim.Config, error) {
	cfg := sim.NewConfig()
	cfg.Session = sessionPath
	cfg.Output.Dir = outputDir

	// Bundle overrides sit between defaults and explicit flags.
	if sessionPath != "" {
		if m, err := sim.LoadManifest(sessionPath); err == nil {
			m.Override.Apply(&cfg)
		}
	}

	set := cmd.Flags().Changed
	if set("seed") {
		cfg.Seed = seed
	}
	if set("frames") {
		cfg.Step.Frames = frames
	}
	if set("dt") {
		cfg.Step.Dt = dt
	}
	if set("iterations") {
		cfg.Step.Iterations = iterations
	}
	if set("checkpoint-every") {
		cfg.Output.CheckpointEvery = checkpointEvery
	}
	if set("frame-every") {
		cfg.Output.FrameEvery = frameEvery
	}
	if set("retry-attempts") {
		cfg.Retry.MaxAttempts = retryAttempts
	}
	if set("step-shrink") {
		cfg.Retry.StepShrink = stepShrink
	}
	if set("rebuild-margin") {
		cfg.Rebuild.Margin = rebuildMargin
	}
	cfg.RequireAccelerator = requireAccel
	return cfg, cfg.Validate()
}

func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// cancelOnSignal wires SIGINT/SIGTERM to cooperative cancellation: the driver
// observes it between steps, never mid-advance.
func cancelOnSignal(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// runDriver owns the driver's lifecycle: begin (Initialize or Resume), step to
// completion, and tear down. Close runs before the caller turns an error into
// a process exit code, so the workspace lock and kernel session never outlive
// the process.
func runDriver(ctx context.Context, driver *sim.Driver, begin func(context.Context) error) error {
	defer driver.Close()
	if err := begin(ctx); err != nil {
		return err
	}
	return driver.Run(ctx)
}

// runCmd executes a fresh simulation from a session bundle.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation from a session bundle",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg, err := buildConfig(cmd)
		if err != nil {
			logrus.Fatalf("configuration: %v", err)
		}
		ctx, stop := cancelOnSignal(context.Background())
		defer stop()

		driver := sim.NewDriver(cfg)
		if err := runDriver(ctx, driver, driver.Initialize); err != nil {
			logrus.Errorf("run failed: %v", err)
			os.Exit(1)
		}
	},
}

// resumeCmd continues a simulation from the newest checkpoint in a workspace.
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a simulation from its latest checkpoint",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg, err := buildConfig(cmd)
		if err != nil {
			logrus.Fatalf("configuration: %v", err)
		}
		ctx, stop := cancelOnSignal(context.Background())
		defer stop()

		driver := sim.NewDriver(cfg)
		if err := runDriver(ctx, driver, driver.Resume); err != nil {
			logrus.Errorf("resume failed: %v", err)
			os.Exit(1)
		}
	},
}

// inspectCmd reports workspace state: markers, checkpoints, crash evidence.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect a workspace's markers and checkpoints",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if outputDir == "" {
			logrus.Fatalf("--output is required")
		}
		initialized := sim.HasMarker(outputDir, sim.InitializeFinishMarker)
		finished := sim.HasMarker(outputDir, sim.FinishedMarker)
		fmt.Printf("workspace        : %s\n", outputDir)
		fmt.Printf("initialized      : %v\n", initialized)
		fmt.Printf("finished         : %v\n", finished)

		ckpt, err := sim.NewCheckpointer(outputDir)
		if err != nil {
			logrus.Fatalf("opening checkpoints: %v", err)
		}
		id, snap, err := ckpt.Latest()
		switch {
		case err != nil:
			fmt.Printf("latest checkpoint: error (%v)\n", err)
		case snap == nil:
			fmt.Println("latest checkpoint: none")
		default:
			fmt.Printf("latest checkpoint: %s (step %d, t=%.4f, epoch %d)\n",
				id, snap.Step, snap.Data.Time, snap.Epoch)
		}
		if initialized && !finished {
			fmt.Println("status           : run live or crashed (no finished marker)")
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().StringVar(&sessionPath, "session", "", "Session bundle directory")
		c.Flags().StringVar(&outputDir, "output", "", "Workspace/output directory")
		c.Flags().StringVar(&logLevel, "log-level", "info", "Log verbosity (debug, info, warn, error)")
		c.Flags().Int64Var(&seed, "seed", 1, "Master seed for deterministic jitter")
		c.Flags().Uint64Var(&frames, "frames", 240, "Target frame count")
		c.Flags().Float64Var(&dt, "dt", 1.0/60.0, "Step size in seconds")
		c.Flags().IntVar(&iterations, "iterations", 0, "Kernel iterations per step (0 = default)")
		c.Flags().Uint64Var(&checkpointEvery, "checkpoint-every", 50, "Steps between checkpoints")
		c.Flags().Uint64Var(&frameEvery, "frame-every", 1, "Steps between frame artifacts")
		c.Flags().IntVar(&retryAttempts, "retry-attempts", 3, "Divergence retries before failing")
		c.Flags().Float64Var(&stepShrink, "step-shrink", 0.5, "Step-size multiplier per divergence retry")
		c.Flags().Float64Var(&rebuildMargin, "rebuild-margin", 0.05, "Displacement margin before a BVH rebuild")
		c.Flags().BoolVar(&requireAccel, "require-accel", false, "Fail instead of using the reference kernel")
	}
	inspectCmd.Flags().StringVar(&outputDir, "output", "", "Workspace/output directory")
	inspectCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log verbosity (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(inspectCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
