// Package telemetry collects the driver's per-step named records and frame
// metric artifacts. It stores pure data plus an append-only sink; it has no
// dependency on the sim package.
package telemetry

// Record is one named measurement at a point in simulated time. Several
// records may share a timestamp (e.g. per-iteration solve timings within one
// step); insertion order is the tiebreak and is always preserved — records
// are never deduplicated or reordered.
type Record struct {
	Name  string  `json:"name"`
	Time  float64 `json:"time"` // simulated (video) time, seconds
	Value float64 `json:"value"`
	Seq   uint64  `json:"seq"` // global insertion counter
}
