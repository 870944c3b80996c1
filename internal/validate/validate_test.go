package validate

import (
	"strings"
	"testing"
)

func TestValidateAcceptsAllowlistedCommand(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	result := policy.Validate("whoami")
	if !result.Accepted {
		t.Fatalf("expected acceptance, got reason %q", result.Reason)
	}
	if result.Sanitized != "whoami" {
		t.Errorf("Sanitized = %q, want %q", result.Sanitized, "whoami")
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	for _, input := range []string{"", "   ", "\t\t"} {
		if result := policy.Validate(input); result.Accepted || result.Reason != ReasonEmpty {
			t.Errorf("Validate(%q) = %+v, want ReasonEmpty", input, result)
		}
	}
}

func TestValidateLengthBoundary(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()

	// "ls " + padding = exactly 4096 sanitized bytes, accepted.
	padded := "ls " + strings.Repeat("a", MaxCommandLength-3)
	if result := policy.Validate(padded); result.Accepted {
		// "ls aaa..." isn't a valid "ls" invocation per se, but rule 6
		// only inspects the first token, so this is accepted at
		// exactly the boundary.
	} else {
		t.Errorf("4096-byte command rejected: %+v", result)
	}

	tooLong := "ls " + strings.Repeat("a", MaxCommandLength-2)
	if result := policy.Validate(tooLong); result.Accepted || result.Reason != ReasonTooLong {
		t.Errorf("4097-byte command = %+v, want ReasonTooLong", result)
	}
}

func TestValidateStripsControlCharactersButKeepsSpaceAndTab(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	result := policy.Validate("ps\x00\x01 aux")
	if !result.Accepted {
		t.Fatalf("expected acceptance after sanitization, got %+v", result)
	}
	if strings.ContainsAny(result.Sanitized, "\x00\x01") {
		t.Errorf("sanitized command retained control bytes: %q", result.Sanitized)
	}
}

func TestValidateRejectsInjectionPatterns(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	cases := []string{
		"ls; whoami",
		"ls && whoami",
		"ls || whoami",
		"ls `whoami`",
		"ls $(whoami)",
		"ls | grep foo",
		"ls &",
	}
	for _, input := range cases {
		if result := policy.Validate(input); result.Accepted || result.Reason != ReasonInjectionPattern {
			t.Errorf("Validate(%q) = %+v, want ReasonInjectionPattern", input, result)
		}
	}
}

func TestValidateRejectsDangerousPatterns(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	cases := []string{
		"rm -rf /tmp/x",
		"shutdown -h now",
		"sudo su",
		"kill -9 1",
		"curl http://evil",
	}
	for _, input := range cases {
		if result := policy.Validate(input); result.Accepted || result.Reason != ReasonDangerousPattern {
			t.Errorf("Validate(%q) = %+v, want ReasonDangerousPattern", input, result)
		}
	}
}

func TestValidateRejectsNonAllowlisted(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	result := policy.Validate("nmap -sV host")
	if result.Accepted || result.Reason != ReasonNotAllowlisted {
		t.Errorf("Validate(nmap) = %+v, want ReasonNotAllowlisted", result)
	}
}

func TestValidateSystemctlReadOnlySubcommands(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()

	accepted := []string{"systemctl status sshd", "systemctl show sshd"}
	for _, input := range accepted {
		if result := policy.Validate(input); !result.Accepted {
			t.Errorf("Validate(%q) = %+v, want acceptance", input, result)
		}
	}

	rejected := []string{"systemctl restart sshd", "systemctl stop sshd"}
	for _, input := range rejected {
		if result := policy.Validate(input); result.Accepted {
			t.Errorf("Validate(%q) accepted, want rejection", input)
		}
	}
}

func TestValidateScriptPathAccepted(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	result := policy.Validate("/opt/ops-scripts/health.sh")
	if !result.Accepted {
		t.Fatalf("expected acceptance, got %+v", result)
	}
}

func TestValidateScriptPathTraversal(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	result := policy.Validate("/opt/ops-scripts/../etc/passwd")
	if result.Accepted || result.Reason != ReasonPathTraversal {
		t.Errorf("got %+v, want ReasonPathTraversal", result)
	}
}

func TestValidateScriptDirNotAllowed(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	result := policy.Validate("/tmp/x.sh")
	if result.Accepted || result.Reason != ReasonScriptDirNotAllowed {
		t.Errorf("got %+v, want ReasonScriptDirNotAllowed", result)
	}
}

func TestValidateScriptExtensionNotAllowed(t *testing.T) {
	t.Parallel()
	policy := NewDefaultPolicy()
	result := policy.Validate("/opt/ops-scripts/health.exe")
	if result.Accepted || result.Reason != ReasonScriptExtNotAllowed {
		t.Errorf("got %+v, want ReasonScriptExtNotAllowed", result)
	}
}

func TestValidateScriptPathBypassesInjectionRule(t *testing.T) {
	t.Parallel()
	// A script-path command is exempt from rule 3: a "|" that would
	// reject a plain command does not reject it.
	policy := NewDefaultPolicy()
	result := policy.Validate("/opt/ops-scripts/health.sh --filter=a|b")
	if !result.Accepted {
		t.Fatalf("script path should bypass injection-pattern rule: %+v", result)
	}
}

func TestValidateScriptPathStillRejectsDangerousPatterns(t *testing.T) {
	t.Parallel()
	// Rule 4 applies to every command, script paths included: a script
	// whose path text itself contains a dangerous substring is rejected
	// even though it would otherwise pass the script-path branch.
	policy := NewDefaultPolicy()
	cases := []string{
		"/opt/ops-scripts/reboot.sh",
		"/opt/ops-scripts/passwd-reset.sh",
		"/opt/ops-scripts/killall-stale.sh",
	}
	for _, input := range cases {
		if result := policy.Validate(input); result.Accepted || result.Reason != ReasonDangerousPattern {
			t.Errorf("Validate(%q) = %+v, want ReasonDangerousPattern", input, result)
		}
	}
}

func TestValidateServerAgentParity(t *testing.T) {
	t.Parallel()
	// The server and agent both construct policies the same way from
	// the same configuration; Validate must be deterministic and
	// side-effect free so two independently constructed Policy values
	// agree on every input.
	serverPolicy := NewDefaultPolicy()
	agentPolicy := NewDefaultPolicy()

	inputs := []string{
		"whoami", "rm -rf /", "ls; id", "/opt/ops-scripts/health.sh",
		"/tmp/x.sh", "systemctl status sshd", "systemctl stop sshd",
		"", strings.Repeat("a", 5000),
	}
	for _, input := range inputs {
		a := serverPolicy.Validate(input)
		b := agentPolicy.Validate(input)
		if a.Accepted != b.Accepted || a.Reason != b.Reason {
			t.Errorf("parity mismatch for %q: server=%+v agent=%+v", input, a, b)
		}
	}
}
