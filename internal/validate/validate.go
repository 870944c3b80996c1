// Package validate implements the command admission policy. It is a
// single pure module imported by both cmd/ops-server (pre-dispatch)
// and cmd/ops-agent (pre-execution) so the two verdicts are always
// bit-identical: the agent never trusts the server's decision. Rules
// are expressed as data (slices of substrings and patterns) rather
// than as a chain of if-statements, so the rule table can be read,
// audited, and extended without touching control flow.
package validate

import (
	"path"
	"strings"
)

// Reason names the first rule that rejected a command. It is returned
// to the operator as an HTTP 400 body field and logged; it never
// contains the command text verbatim beyond what the rule itself
// names, and never contains the shared secret.
type Reason string

const (
	ReasonEmpty               Reason = "empty"
	ReasonTooLong             Reason = "too_long"
	ReasonInjectionPattern    Reason = "injection_pattern"
	ReasonDangerousPattern    Reason = "dangerous_pattern"
	ReasonPathTraversal       Reason = "path_traversal"
	ReasonScriptDirNotAllowed Reason = "script_dir_not_allowed"
	ReasonScriptExtNotAllowed Reason = "script_ext_not_allowed"
	ReasonNotAllowlisted      Reason = "not_allowlisted"
)

// MaxCommandLength is the longest sanitized command text this policy
// will consider; longer commands are rejected outright (rule 1).
const MaxCommandLength = 4096

// injectionPatterns are textual, not shell-parsed substrings that make
// a command's control flow ambiguous enough that this policy refuses
// to reason about it. Script-path commands (rule 5) are exempt from
// this rule; rule 5 inspects the first token's path only, so the rest
// of a script-path command is not checked for these patterns.
var injectionPatterns = []string{";", "&&", "||", "`", "$(", "|"}

// dangerousSubstrings are case-sensitive substrings that, wherever
// they appear in the sanitized command, make the command too
// dangerous to run regardless of allow-list membership.
var dangerousSubstrings = []string{
	"rm -rf", "mkfs", "fdisk", "dd if=", "dd of=", "shutdown", "reboot",
	"halt", "poweroff", "init 0", "init 6", "chmod 777", "chown root",
	"passwd", "sudo su", "su -", "bash -i", "sh -i", "nc ", "curl ",
	"wget ", "eval ", "exec ", "kill -9", "killall", "pkill",
}

// DefaultAllowedCommands is the default rule-6 allow-list: the first
// whitespace-separated token of a non-script command must be one of
// these.
var DefaultAllowedCommands = []string{
	"ps", "ls", "pwd", "whoami", "id", "hostname", "uname", "date",
	"uptime", "df", "free", "top", "htop", "iostat", "vmstat", "sar",
	"mpstat", "netstat", "ss", "ip", "ifconfig", "ping", "cat", "head",
	"tail", "less", "more", "grep", "find", "systemctl", "journalctl",
	"service", "env", "history", "which", "whereis",
}

// DefaultAllowedScriptDirs is the default rule-5 allow-list of script
// parent directories (exact match or prefix + "/").
var DefaultAllowedScriptDirs = []string{
	"/opt/ops-scripts", "/usr/local/bin/scripts", "/home/ops/scripts",
}

// DefaultAllowedScriptExtensions is the default rule-5 allow-list of
// script file extensions (without the leading dot).
var DefaultAllowedScriptExtensions = []string{"sh", "py", "pl", "rb"}

// readOnlySystemctlPrefixes are the only systemctl invocations rule
// 6 accepts; every other systemctl subcommand is left to rule 4's
// dangerous-pattern net (most mutating subcommands are not in the
// dangerous list either, so this allow-list is what actually fences
// them out).
var readOnlySystemctlPrefixes = []string{"systemctl status", "systemctl show"}

// Policy holds the configurable parts of the admission policy: the
// allow-list, allowed script directories, and allowed script
// extensions. The zero value is not usable; use NewDefaultPolicy or
// fill every field.
type Policy struct {
	AllowedCommands         []string
	AllowedScriptDirs       []string
	AllowedScriptExtensions []string
}

// NewDefaultPolicy returns a Policy using the defaults named in §4.3.
func NewDefaultPolicy() Policy {
	return Policy{
		AllowedCommands:         DefaultAllowedCommands,
		AllowedScriptDirs:       DefaultAllowedScriptDirs,
		AllowedScriptExtensions: DefaultAllowedScriptExtensions,
	}
}

// Result is the outcome of Validate: either Reason == "" (accepted,
// and Sanitized is what should actually be executed) or Reason names
// the first rule that fired.
type Result struct {
	Accepted  bool
	Reason    Reason
	Sanitized string
}

// Validate runs the six admission rules, in order, against raw; for a
// script path, rule 5's traversal check runs before rule 4. It is
// a pure function: no I/O, no locks, safe to call concurrently and to
// call identically on both the server and the agent.
func (p Policy) Validate(raw string) Result {
	// Rule 1: length.
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Result{Reason: ReasonEmpty}
	}

	// Rule 2: sanitization. Strip ASCII control characters except
	// space and tab; everything downstream inspects and (on accept)
	// executes this sanitized string, never the raw input.
	sanitized := sanitize(trimmed)
	if len(sanitized) > MaxCommandLength {
		return Result{Reason: ReasonTooLong}
	}

	firstToken := firstWhitespaceToken(sanitized)
	isScriptPath := strings.HasPrefix(firstToken, "/")

	// Rule 3: injection patterns. A script-path command is exempt from
	// this rule; the full sanitized string, arguments included, is what
	// an accepted command runs as.
	if !isScriptPath && hasInjectionPattern(sanitized) {
		return Result{Reason: ReasonInjectionPattern}
	}

	// A script path containing ".." or "./" is reported as path
	// traversal ahead of rule 4, so a traversal attempt is named as such
	// even when the path also contains a dangerous substring.
	if isScriptPath && hasTraversalSegment(sanitized) {
		return Result{Reason: ReasonPathTraversal}
	}

	// Rule 4: dangerous substrings, applied to every command, script
	// paths included.
	if hasDangerousSubstring(sanitized) {
		return Result{Reason: ReasonDangerousPattern}
	}

	// Rule 5: script-path branch, checked ahead of rule 6. A command
	// whose first token is an absolute path is interpreted as a direct
	// script invocation and, if accepted, bypasses rule 6 (allow-list)
	// entirely.
	if isScriptPath {
		return p.validateScriptPath(sanitized, firstToken)
	}

	// Rule 6: allow-list.
	if !p.isAllowlisted(sanitized, firstToken) {
		return Result{Reason: ReasonNotAllowlisted}
	}

	return Result{Accepted: true, Sanitized: sanitized}
}

// sanitize strips ASCII control characters (0x00-0x1F, 0x7F) from s,
// except space (0x20) and tab (0x09).
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == ' ' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func firstWhitespaceToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func hasInjectionPattern(s string) bool {
	for _, pattern := range injectionPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	// Backgrounding "&" at the end of a token: a bare trailing "&",
	// or "&" immediately followed by whitespace/end-of-string that is
	// not part of "&&" (already covered above, so a token ending in
	// "&&" does not also trip this check).
	for _, token := range strings.Fields(s) {
		if strings.HasSuffix(token, "&") && !strings.HasSuffix(token, "&&") {
			return true
		}
	}
	return false
}

func hasDangerousSubstring(s string) bool {
	for _, pattern := range dangerousSubstrings {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

func (p Policy) isAllowlisted(sanitized, firstToken string) bool {
	allowed := false
	for _, candidate := range p.AllowedCommands {
		if firstToken == candidate {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if firstToken == "systemctl" {
		for _, prefix := range readOnlySystemctlPrefixes {
			if strings.HasPrefix(sanitized, prefix) {
				return true
			}
		}
		return false
	}
	return true
}

// validateScriptPath applies rule 5: the command must be an absolute
// path with no ".." or "./" segments anywhere in the string, whose
// normalized parent directory matches an allowed script directory
// exactly or by prefix+"/", and whose extension is allow-listed.
func (p Policy) validateScriptPath(sanitized, scriptPath string) Result {
	if hasTraversalSegment(sanitized) {
		return Result{Reason: ReasonPathTraversal}
	}

	cleaned := path.Clean(scriptPath)
	if cleaned != scriptPath {
		return Result{Reason: ReasonPathTraversal}
	}

	dir := path.Dir(cleaned)
	if !p.dirAllowed(dir) {
		return Result{Reason: ReasonScriptDirNotAllowed}
	}

	ext := strings.TrimPrefix(path.Ext(cleaned), ".")
	if !extensionAllowed(ext, p.AllowedScriptExtensions) {
		return Result{Reason: ReasonScriptExtNotAllowed}
	}

	return Result{Accepted: true, Sanitized: sanitized}
}

func hasTraversalSegment(s string) bool {
	return strings.Contains(s, "..") || strings.Contains(s, "./")
}

func (p Policy) dirAllowed(dir string) bool {
	for _, allowed := range p.AllowedScriptDirs {
		allowed = strings.TrimSuffix(allowed, "/")
		if dir == allowed || strings.HasPrefix(dir, allowed+"/") {
			return true
		}
	}
	return false
}

func extensionAllowed(ext string, allowed []string) bool {
	for _, candidate := range allowed {
		if ext == candidate {
			return true
		}
	}
	return false
}

// String satisfies fmt.Stringer so Reason prints cleanly in logs.
func (r Reason) String() string { return string(r) }
