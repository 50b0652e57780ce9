package reports

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclab/scanhub/internal/domain/battery"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("html")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestRenderJSONPassthrough(t *testing.T) {
	raw := []byte(`{"findings": 3}`)
	out, err := NewRenderer().Render(Meta{RunID: "r1", TaskID: 1, Tool: "dast"}, raw, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRenderHTMLEscapesPayloads(t *testing.T) {
	res := battery.Result{
		Target:          "https://target.example",
		EnforcementMode: "monitor",
		Categories: []battery.CategoryResult{{
			Category: battery.CategoryXSS,
			Name:     "XSS / HTML Injection",
			Severity: "high",
			Probes: []battery.ProbeResult{
				{Payload: `<script>alert(1)</script>`, Detected: true},
				{Payload: `<img src=x onerror=alert(1)>`, Detected: false},
			},
		}},
	}
	res.Finalize()
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	out, err := NewRenderer().Render(Meta{RunID: "r1", TaskID: 4, Tool: "test_battery"}, raw, FormatHTML)
	require.NoError(t, err)

	html := string(out)
	// payloads must never reach the page unescaped
	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "&lt;script&gt;alert(1)&lt;/script&gt;")
	assert.Contains(t, html, "XSS / HTML Injection")
	assert.Contains(t, html, "50%")
}

func TestRenderHTMLGenericReport(t *testing.T) {
	raw := []byte(`{"findings": [{"rule": "<b>bold</b>", "severity": "high"}]}`)
	out, err := NewRenderer().Render(Meta{RunID: "r1", TaskID: 2, Tool: "sast"}, raw, FormatHTML)
	require.NoError(t, err)

	html := string(out)
	assert.Contains(t, html, "<pre>")
	assert.NotContains(t, html, "<b>bold</b>")
}

func TestRenderHTMLInvalidJSON(t *testing.T) {
	_, err := NewRenderer().Render(Meta{}, []byte("not json"), FormatHTML)
	assert.Error(t, err)
}

// Rendering is pure: the same input yields identical bytes.
func TestRenderDeterministic(t *testing.T) {
	raw := []byte(`{"findings": 1}`)
	meta := Meta{RunID: "r1", TaskID: 9, Tool: "dast"}
	r := NewRenderer()

	a, err := r.Render(meta, raw, FormatHTML)
	require.NoError(t, err)
	b, err := r.Render(meta, raw, FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
