package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Collector buffers records in insertion order and mirrors each one to an
// append-only JSONL sink. A sink write failure is logged and stepping
// continues — losing a telemetry line never aborts a running simulation.
type Collector struct {
	records []Record
	byName  map[string][]int
	seq     uint64

	sink    io.WriteCloser
	console io.WriteCloser
}

// New opens <dir>/metrics.jsonl for appending and <dir>/console.log as the
// raw log capture. Pass an empty dir for an in-memory collector (tests).
func New(dir string) (*Collector, error) {
	c := &Collector{byName: make(map[string][]int)}
	if dir == "" {
		return c, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating telemetry dir: %w", err)
	}
	sink, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening telemetry sink: %w", err)
	}
	console, err := os.OpenFile(filepath.Join(dir, "console.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("opening console capture: %w", err)
	}
	c.sink = sink
	c.console = console
	return c, nil
}

// CaptureConsole tees logrus output into the workspace console.log so the
// run's raw stdout/stderr stream is preserved verbatim for debugging.
func (c *Collector) CaptureConsole() {
	if c.console == nil {
		return
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, c.console))
}

// Record appends one measurement. Insertion order within equal timestamps is
// preserved by construction.
func (c *Collector) Record(name string, t float64, value float64) {
	r := Record{Name: name, Time: t, Value: value, Seq: c.seq}
	c.seq++
	c.byName[name] = append(c.byName[name], len(c.records))
	c.records = append(c.records, r)

	if c.sink == nil {
		return
	}
	line, err := json.Marshal(r)
	if err == nil {
		_, err = c.sink.Write(append(line, '\n'))
	}
	if err != nil {
		// Recoverable IO failure: log and keep stepping.
		logrus.Warnf("telemetry sink write failed for %s: %v", name, err)
	}
}

// Query returns all records with the given name, in recorded order.
func (c *Collector) Query(name string) []Record {
	idxs := c.byName[name]
	out := make([]Record, len(idxs))
	for i, idx := range idxs {
		out[i] = c.records[idx]
	}
	return out
}

// All returns every record in insertion order.
func (c *Collector) All() []Record {
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Close flushes and closes the sink and console files.
func (c *Collector) Close() {
	if c.sink != nil {
		c.sink.Close()
		c.sink = nil
	}
	if c.console != nil {
		logrus.SetOutput(os.Stderr)
		c.console.Close()
		c.console = nil
	}
}
