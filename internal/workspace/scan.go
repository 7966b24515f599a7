package workspace

import (
	"context"
	"regexp"
	"strings"
)

// Finding is one security-scan hit.
type Finding struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

type scanRule struct {
	name     string
	severity string
	pattern  *regexp.Regexp
	detail   string
}

var secretRules = []scanRule{
	{"private-key", "critical",
		regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
		"private key material committed to the workspace"},
	{"aws-access-key", "critical",
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		"AWS access key id"},
	{"generic-api-key", "high",
		regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|auth[_-]?token)\b\s*[:=]\s*['"][^'"]{16,}['"]`),
		"hardcoded credential assignment"},
	{"bearer-token", "high",
		regexp.MustCompile(`(?i)authorization:\s*bearer\s+[a-z0-9._\-]{20,}`),
		"hardcoded bearer token"},
}

var vulnRules = []scanRule{
	{"shell-injection", "high",
		regexp.MustCompile(`(?i)\b(os\.system|subprocess\.\w+\(.*shell\s*=\s*True|child_process\.exec)\b`),
		"shell invocation with interpolated input"},
	{"sql-concat", "medium",
		regexp.MustCompile(`(?i)(SELECT|INSERT|UPDATE|DELETE)\b[^\n]*["']\s*\+`),
		"SQL built by string concatenation"},
	{"weak-hash", "low",
		regexp.MustCompile(`\b(md5|sha1)\.(New|Sum)\b`),
		"weak hash algorithm"},
}

// Scanner applies pattern-based vulnerability and secret rules to workspace
// files. It reads through the workspace so path confinement applies.
type Scanner struct {
	ws *Local
}

// NewScanner creates a scanner over the given workspace.
func NewScanner(ws *Local) *Scanner {
	return &Scanner{ws: ws}
}

func (s *Scanner) scan(ctx context.Context, paths []string, rules []scanRule) ([]Finding, error) {
	findings := []Finding{}
	for _, path := range paths {
		content, err := s.ws.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		for lineNo, line := range strings.Split(content, "\n") {
			for _, rule := range rules {
				if rule.pattern.MatchString(line) {
					findings = append(findings, Finding{
						Path:     path,
						Line:     lineNo + 1,
						Rule:     rule.name,
						Severity: rule.severity,
						Detail:   rule.detail,
					})
				}
			}
		}
	}
	return findings, nil
}

// Scan reports vulnerability-pattern hits in the given files.
func (s *Scanner) Scan(ctx context.Context, paths []string) (any, error) {
	return s.scan(ctx, paths, vulnRules)
}

// Secrets reports credential material found in the given files.
func (s *Scanner) Secrets(ctx context.Context, paths []string) (any, error) {
	return s.scan(ctx, paths, secretRules)
}
