package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Marker file names. External collaborators poll these to learn run state:
// initialize_finish present = the run is live; finished present = it completed;
// neither present with a dead lock holder = it crashed.
const (
	InitializeFinishMarker = "initialize_finish"
	FinishedMarker         = "finished"
	lockFileName           = "workspace.lock"
)

// WorkspaceLock is the advisory lock guaranteeing exactly one simulation
// process per workspace. The lock file records the holder's pid and a logical
// workspace identity, so the check is independent of binary naming.
type WorkspaceLock struct {
	path string
	held bool
}

// AcquireWorkspace takes the lock or fails fast with ErrWorkspaceBusy when a
// live process already holds it. A lock left by a dead process is reclaimed.
func AcquireWorkspace(dir string, workspaceID string) (*WorkspaceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	l := &WorkspaceLock{path: path}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), workspaceID)
			f.Close()
			l.held = true
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating workspace lock: %w", err)
		}
		pid, id, rerr := readLock(path)
		if rerr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("workspace %q held by pid %d: %w", id, pid, ErrWorkspaceBusy)
		}
		// Holder is gone: reclaim the stale lock and retry once.
		logrus.Warnf("reclaiming stale workspace lock (pid %d no longer running)", pid)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale lock: %w", err)
		}
	}
	return nil, ErrWorkspaceBusy
}

// Release drops the lock. Safe to call more than once.
func (l *WorkspaceLock) Release() {
	if !l.held {
		return
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("releasing workspace lock: %v", err)
	}
}

func readLock(path string) (int, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, "", fmt.Errorf("malformed lock file")
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("malformed lock pid: %w", err)
	}
	id := ""
	if len(fields) > 1 {
		id = fields[1]
	}
	return pid, id, nil
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// WriteMarker creates a gating file in the workspace.
func WriteMarker(dir, name string) error {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("writing %s marker: %w", name, err)
	}
	return f.Close()
}

// HasMarker reports whether a gating file exists.
func HasMarker(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
