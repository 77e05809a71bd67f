package telemetry

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Stat aggregates one record name over a run.
type Stat struct {
	Count int
	Mean  float64
	Max   float64
	P95   float64
}

// Summarize computes per-name aggregates from a collector. Safe on an empty
// collector (returns an empty map).
func Summarize(c *Collector) map[string]Stat {
	out := make(map[string]Stat)
	if c == nil {
		return out
	}
	for name := range c.byName {
		recs := c.Query(name)
		values := make([]float64, len(recs))
		for i, r := range recs {
			values[i] = r.Value
		}
		s := Stat{Count: len(values)}
		if len(values) > 0 {
			s.Mean = stat.Mean(values, nil)
			sorted := append([]float64(nil), values...)
			sort.Float64s(sorted)
			s.Max = sorted[len(sorted)-1]
			s.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
		}
		out[name] = s
	}
	return out
}
