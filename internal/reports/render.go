// Package reports turns a task's stored structured result into
// presentation formats. Rendering is a pure function of the persisted
// result: no network, no database, so a report can be regenerated on
// demand at any time.
package reports

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/seclab/scanhub/internal/domain/battery"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// ParseFormat maps a query-string value to a Format; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Meta identifies the task a report belongs to. Deliberately free of
// timestamps so regeneration is byte-stable.
type Meta struct {
	RunID  string
	TaskID int64
	Tool   string
}

type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("report").Parse(reportTemplate))}
}

// Render produces the requested format from the raw structured result.
// JSON is a passthrough of the stored bytes. HTML escapes every
// interpolated value (payload samples included) through html/template,
// so a hostile payload cannot turn the report into an injection vector.
func (r *Renderer) Render(meta Meta, raw []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return raw, nil
	case FormatHTML:
		return r.renderHTML(meta, raw)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

type htmlModel struct {
	Meta
	Battery *battery.Result
	Pretty  string
}

func (r *Renderer) renderHTML(meta Meta, raw []byte) ([]byte, error) {
	model := htmlModel{Meta: meta}

	// battery results get a structured table; anything else renders as
	// pretty-printed JSON
	var res battery.Result
	if err := json.Unmarshal(raw, &res); err == nil && len(res.Categories) > 0 {
		model.Battery = &res
	} else {
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("report is not valid JSON: %w", err)
		}
		pretty, err := json.MarshalIndent(generic, "", "  ")
		if err != nil {
			return nil, err
		}
		model.Pretty = string(pretty)
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, model); err != nil {
		return nil, fmt.Errorf("rendering report: %w", err)
	}
	return buf.Bytes(), nil
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Tool}} report - task {{.TaskID}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #1a1a2e; }
h1 { border-bottom: 2px solid #16213e; padding-bottom: .5rem; }
table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
th, td { border: 1px solid #cbd5e1; padding: .4rem .6rem; text-align: left; font-size: .9rem; }
th { background: #16213e; color: #fff; }
.detected { color: #15803d; font-weight: 600; }
.missed { color: #b91c1c; font-weight: 600; }
.rate { font-size: 1.1rem; margin: .5rem 0; }
pre { background: #f1f5f9; padding: 1rem; overflow-x: auto; font-size: .85rem; }
code { word-break: break-all; }
</style>
</head>
<body>
<h1>{{.Tool}} report</h1>
<p>Run {{.RunID}} &middot; Task {{.TaskID}}</p>
{{if .Battery}}
<p class="rate">Overall detection rate: <strong>{{.Battery.DetectionRate}}%</strong>
({{.Battery.EnforcementMode}} mode, target {{.Battery.Target}})</p>
{{range .Battery.Categories}}
<h2>{{.Name}} <small>({{.Severity}})</small></h2>
<p class="rate">Detection rate: {{.DetectionRate}}%</p>
<table>
<tr><th>Payload</th><th>Detected</th><th>Reported externally</th></tr>
{{range .Probes}}
<tr>
<td><code>{{.Payload}}</code></td>
<td>{{if .Detected}}<span class="detected">yes</span>{{else}}<span class="missed">no</span>{{end}}</td>
<td>{{if .ExternalReported}}yes{{else}}no{{end}}</td>
</tr>
{{end}}
</table>
{{end}}
{{else}}
<pre>{{.Pretty}}</pre>
{{end}}
</body>
</html>
`
