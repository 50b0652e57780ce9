package prompt

import "fmt"

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return `You are a senior application security analyst. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- Use lowercase severity values: critical, high, medium, low, info.
- findings is an array of objects; include at least a title, severity, and summary. Keep items concise.
- The input is the structured JSON report of one security-tool execution; summarise its risk posture and the most important follow-ups.

Schema (example with empty values):
{
  "summary": "<string>",
  "risk_level": "<critical|high|medium|low|info>",
  "findings": [
    {
      "title": "<string>",
      "severity": "<critical|high|medium|low|info>",
      "summary": "<string>",
      "recommendation": "<string>"
    }
  ]
}`
}

// GetUserPrompt wraps the report content for analysis. Reports can be
// large; the caller truncates before handing them over.
func GetUserPrompt(reportJSON string) string {
	return fmt.Sprintf("Analyse this security report and respond with the JSON object described in the system prompt.\n\nReport:\n%s", reportJSON)
}
