package battery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRate(t *testing.T) {
	assert.Equal(t, 87.5, Rate(7, 8))
	assert.Equal(t, 100.0, Rate(6, 6))
	assert.Equal(t, 0.0, Rate(0, 6))
	assert.Equal(t, 0.0, Rate(0, 0))
	// 1/3 rounds to one decimal place
	assert.Equal(t, 33.3, Rate(1, 3))
	assert.Equal(t, 66.7, Rate(2, 3))
}

func TestFinalize(t *testing.T) {
	res := &Result{
		Target:          "https://target.example",
		EnforcementMode: "monitor",
		Categories: []CategoryResult{
			{
				Category: CategoryXSS,
				Probes: []ProbeResult{
					{Payload: "<script>alert(1)</script>", Detected: true},
					{Payload: "<svg onload=alert(1)>", Detected: true},
					{Payload: "<div onmouseover=alert(1)>", Detected: false},
					{Payload: "javascript:alert(1)", Detected: true},
				},
			},
			{
				Category: CategorySQLi,
				Probes: []ProbeResult{
					{Payload: "' OR '1'='1", Detected: true},
					{Payload: "admin'--", Detected: true},
					{Payload: "' AND 1=1--", Detected: true},
					{Payload: "1' OR '1'='1' /*", Detected: true},
				},
			},
		},
	}

	res.Finalize()

	assert.Equal(t, 75.0, res.Categories[0].DetectionRate)
	assert.Equal(t, 100.0, res.Categories[1].DetectionRate)
	assert.Equal(t, 87.5, res.DetectionRate)
}

func TestFinalizeEmpty(t *testing.T) {
	res := &Result{}
	res.Finalize()
	assert.Equal(t, 0.0, res.DetectionRate)
}

func TestRegistry(t *testing.T) {
	for _, c := range Categories() {
		d, ok := Lookup(c)
		assert.True(t, ok)
		assert.Equal(t, c, d.Category)
		assert.NotEmpty(t, d.Name)
		assert.NotEmpty(t, d.Severity)
		assert.NotEmpty(t, d.Payloads, "category %s has no payloads", c)
	}

	assert.True(t, Known(CategoryXSS))
	assert.False(t, Known(Category("rce")))
}
