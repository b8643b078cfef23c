/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package validate is the sole guard on outbound file writes. Every file
// set an LLM proposes passes through Check before any push; a result with
// error-severity issues blocks the push.
package validate

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Size thresholds (warnings, not blocks).
const (
	MaxTotalBytes = 50000
	MaxFileCount  = 30
)

// File is one proposed write.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Issue is one finding.
type Issue struct {
	Severity Severity
	Path     string
	Rule     string
	Message  string
}

// Result is the validation outcome. Valid is true iff no issue has error
// severity.
type Result struct {
	Valid  bool
	Issues []Issue
}

// ErrorText renders the error-severity issues as a synthetic CI log for
// feedback into the next coding iteration.
func (r Result) ErrorText() string {
	var sb strings.Builder
	for _, issue := range r.Issues {
		if issue.Severity != SeverityError {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s (%s)\n", issue.Path, issue.Message, issue.Rule)
	}
	return sb.String()
}

// forbiddenGlobs deny CI configuration, container descriptors,
// environment/credential files, and lockfiles.
var forbiddenGlobs = []string{
	".github/workflows/**",
	".gitlab-ci.yml",
	".gitlab/ci/**",
	"Jenkinsfile",
	".circleci/**",
	".travis.yml",
	"azure-pipelines.yml",
	"Dockerfile",
	"docker-compose.yml",
	".env*",
	".npmrc",
	".yarnrc*",
	".pypirc",
	".ssh/**",
	".gnupg/**",
	"package-lock.json",
	"yarn.lock",
	"Gemfile.lock",
}

// secretPatterns catch credentials embedded in content.
var secretPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"generic_credential", regexp.MustCompile(`(?i)(api[_-]?key|token|password)\s*[:=]\s*['"][^'"]{8,}['"]`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"gitlab_token", regexp.MustCompile(`glpat-[A-Za-z0-9\-_]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-[A-Za-z0-9\-_]{20,}`)},
	{"aws_access_key", regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)},
	{"pem_private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"slack_token", regexp.MustCompile(`xox[bpas]-[A-Za-z0-9\-]{10,}`)},
}

// dangerPatterns are process-execution idioms flagged for review.
var dangerPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"eval_call", regexp.MustCompile(`\beval\s*\(`)},
	{"exec_call", regexp.MustCompile(`\bexec\s*\(`)},
	{"spawn_call", regexp.MustCompile(`\bspawn\s*\(`)},
	{"subprocess", regexp.MustCompile(`\bsubprocess\.|os\.system\s*\(|os/exec`)},
	{"child_process", regexp.MustCompile(`require\(['"]child_process['"]\)|from\s+['"]child_process['"]`)},
}

// Check validates a proposed file set. It is a pure function: no I/O, no
// shared state.
func Check(files []File) Result {
	var res Result

	totalBytes := 0
	for _, f := range files {
		totalBytes += len(f.Content)

		if rule, bad := forbiddenPath(f.Path); bad {
			res.Issues = append(res.Issues, Issue{
				Severity: SeverityError,
				Path:     f.Path,
				Rule:     "forbidden_path",
				Message:  fmt.Sprintf("writes to %q are not permitted", rule),
			})
		}

		for _, p := range secretPatterns {
			if p.re.MatchString(f.Content) {
				res.Issues = append(res.Issues, Issue{
					Severity: SeverityError,
					Path:     f.Path,
					Rule:     "embedded_secret",
					Message:  fmt.Sprintf("content matches secret pattern %s", p.name),
				})
			}
		}

		for _, p := range dangerPatterns {
			if p.re.MatchString(f.Content) {
				res.Issues = append(res.Issues, Issue{
					Severity: SeverityWarning,
					Path:     f.Path,
					Rule:     "dangerous_pattern",
					Message:  fmt.Sprintf("content matches %s", p.name),
				})
			}
		}
	}

	if totalBytes > MaxTotalBytes {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityWarning,
			Rule:     "size_threshold",
			Message:  fmt.Sprintf("change set is %d bytes (threshold %d)", totalBytes, MaxTotalBytes),
		})
	}
	if len(files) > MaxFileCount {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityWarning,
			Rule:     "size_threshold",
			Message:  fmt.Sprintf("change set touches %d files (threshold %d)", len(files), MaxFileCount),
		})
	}

	res.Valid = true
	for _, issue := range res.Issues {
		if issue.Severity == SeverityError {
			res.Valid = false
			break
		}
	}
	return res
}

// forbiddenPath matches p against the deny-list. Globs use path.Match
// semantics per segment; a trailing /** matches any suffix.
func forbiddenPath(p string) (string, bool) {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	base := path.Base(clean)
	for _, glob := range forbiddenGlobs {
		if prefix, ok := strings.CutSuffix(glob, "/**"); ok {
			if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
				return glob, true
			}
			// Dotted directories like .ssh may appear below the repo root.
			if strings.Contains("/"+clean, "/"+prefix+"/") {
				return glob, true
			}
			continue
		}
		if matched, _ := path.Match(glob, clean); matched {
			return glob, true
		}
		if matched, _ := path.Match(glob, base); matched {
			return glob, true
		}
	}
	return "", false
}
