package sim

import "errors"

// Sentinel errors for the driver's failure taxonomy. Callers classify with
// errors.Is; everything else wraps one of these or is treated as a plain
// load/IO failure.
var (
	// ErrCapacityExceeded means an element or vertex count does not fit the
	// 32-bit index range the accelerator requires.
	ErrCapacityExceeded = errors.New("element count exceeds 32-bit index capacity")

	// ErrWorkspaceBusy means another live process holds the workspace lock.
	ErrWorkspaceBusy = errors.New("workspace is locked by another simulation process")

	// ErrLayoutVersionMismatch means the accelerator library was compiled
	// against a different record layout than this driver.
	ErrLayoutVersionMismatch = errors.New("accelerator record layout version mismatch")

	// ErrAcceleratorUnavailable means no usable accelerator device/library
	// was found and the run required one.
	ErrAcceleratorUnavailable = errors.New("accelerator unavailable")

	// ErrNumericalDivergence is reported by the kernel when a step blows up.
	// Recoverable: the driver retries with a reduced step size.
	ErrNumericalDivergence = errors.New("numerical divergence in solver step")

	// ErrCheckpointCorrupt means a checkpoint failed its integrity check.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)
