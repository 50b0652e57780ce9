package battery

import "math"

// ProbeResult records the outcome of one attack payload.
type ProbeResult struct {
	Payload          string `json:"payload"`
	Detected         bool   `json:"detected"`
	ExternalReported bool   `json:"external_reported"`
}

// CategoryResult groups probe outcomes for one attack category.
type CategoryResult struct {
	Category      Category      `json:"category"`
	Name          string        `json:"name"`
	Severity      string        `json:"severity"`
	Probes        []ProbeResult `json:"probes"`
	DetectionRate float64       `json:"detection_rate"`
}

// Result is the structured report of a test-battery task. The
// detection rates are derived summaries, recomputed by Finalize.
type Result struct {
	Target          string           `json:"target"`
	EnforcementMode string           `json:"enforcement_mode"`
	Categories      []CategoryResult `json:"categories"`
	DetectionRate   float64          `json:"detection_rate"`
}

// Rate returns detected/total as a percentage rounded to one decimal
// place; zero probes yield 0.
func Rate(detected, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(detected)/float64(total)*1000) / 10
}

// Finalize recomputes per-category and overall detection rates.
func (r *Result) Finalize() {
	var detected, total int
	for i := range r.Categories {
		c := &r.Categories[i]
		var d int
		for _, p := range c.Probes {
			if p.Detected {
				d++
			}
		}
		c.DetectionRate = Rate(d, len(c.Probes))
		detected += d
		total += len(c.Probes)
	}
	r.DetectionRate = Rate(detected, total)
}
