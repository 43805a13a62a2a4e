package policy

import (
	"strings"
	"testing"
)

func defaultValidator() *Validator {
	return NewValidator(Rules{})
}

func TestAllowedCommands(t *testing.T) {
	v := defaultValidator()
	for _, cmd := range []string{
		"whoami",
		"ps aux",
		"ls -la /var/log",
		"df -h",
		"uname -a",
		"uptime",
		"journalctl -n 20",
		"systemctl status nginx",
		"systemctl show sshd",
		"grep error /var/log/syslog",
		"ping -c 4 8.8.8.8",
	} {
		verdict := v.Validate(cmd)
		if !verdict.OK {
			t.Errorf("%q: rejected with %q, want accepted", cmd, verdict.Reason)
		}
		if verdict.Sanitized != cmd {
			t.Errorf("%q: sanitized to %q", cmd, verdict.Sanitized)
		}
	}
}

func TestRejectionReasons(t *testing.T) {
	v := defaultValidator()
	cases := []struct {
		cmd    string
		reason string
	}{
		{"", ReasonEmptyCommand},
		{"   \t  ", ReasonEmptyCommand},
		{"rm -rf /tmp/x", ReasonDangerousPattern},
		{"dd if=/dev/zero", ReasonDangerousPattern},
		{"shutdown now", ReasonDangerousPattern},
		{"chmod 777 /etc", ReasonDangerousPattern},
		{"sudo su", ReasonDangerousPattern},
		{"kill -9 1234", ReasonDangerousPattern},
		{"ls; whoami", ReasonInjectionPattern},
		{"ls && whoami", ReasonInjectionPattern},
		{"ls || whoami", ReasonInjectionPattern},
		{"cat `which ls`", ReasonInjectionPattern},
		{"echo $(id)", ReasonInjectionPattern},
		{"ps aux | grep ssh", ReasonInjectionPattern},
		{"ls &", ReasonInjectionPattern},
		{"sleep 10&", ReasonInjectionPattern},
		{"vim /etc/hosts", ReasonCommandNotAllowed},
		{"systemctl restart nginx", ReasonCommandNotAllowed},
		{"systemctl stop nginx", ReasonCommandNotAllowed},
	}
	for _, tc := range cases {
		verdict := v.Validate(tc.cmd)
		if verdict.OK {
			t.Errorf("%q: accepted, want %q", tc.cmd, tc.reason)
			continue
		}
		if verdict.Reason != tc.reason {
			t.Errorf("%q: reason %q, want %q", tc.cmd, verdict.Reason, tc.reason)
		}
	}
}

func TestLengthBoundary(t *testing.T) {
	v := defaultValidator()

	// Build commands of exactly 4096 and 4097 bytes that are otherwise
	// valid ("cat " + long path).
	base := "cat /tmp/"
	at := base + strings.Repeat("a", MaxCommandLength-len(base))
	if len(at) != MaxCommandLength {
		t.Fatalf("setup: %d bytes", len(at))
	}
	if verdict := v.Validate(at); !verdict.OK {
		t.Errorf("%d-byte command rejected: %s", MaxCommandLength, verdict.Reason)
	}

	over := at + "a"
	verdict := v.Validate(over)
	if verdict.OK {
		t.Errorf("%d-byte command accepted", len(over))
	} else if verdict.Reason != ReasonCommandTooLong {
		t.Errorf("reason %q, want %q", verdict.Reason, ReasonCommandTooLong)
	}
}

func TestSanitizationStripsControlCharacters(t *testing.T) {
	v := defaultValidator()

	verdict := v.Validate("ls\x00 -la\x1b")
	if !verdict.OK {
		t.Fatalf("rejected: %s", verdict.Reason)
	}
	if verdict.Sanitized != "ls -la" {
		t.Errorf("sanitized: %q, want %q", verdict.Sanitized, "ls -la")
	}

	// Tab survives; newline does not (a stripped newline must not be
	// able to smuggle a second command).
	verdict = v.Validate("ls\t-la")
	if !verdict.OK || verdict.Sanitized != "ls\t-la" {
		t.Errorf("tab handling: %+v", verdict)
	}

	verdict = v.Validate("ls\nwhoami")
	if verdict.OK {
		// "ls\nwhoami" sanitizes to "lswhoami", which is not allow-listed.
		t.Errorf("newline-joined command accepted: %+v", verdict)
	}
}

func TestScriptPathAllowed(t *testing.T) {
	v := defaultValidator()
	for _, cmd := range []string{
		"/opt/ops-scripts/health.sh",
		"/opt/ops-scripts/checks/disk.py",
		"/usr/local/bin/scripts/rotate.pl",
		"/home/ops/scripts/report.rb",
	} {
		verdict := v.Validate(cmd)
		if !verdict.OK {
			t.Errorf("%q: rejected with %q", cmd, verdict.Reason)
		}
	}
}

func TestScriptPathRejections(t *testing.T) {
	v := defaultValidator()
	cases := []struct {
		cmd    string
		reason string
	}{
		{"/opt/ops-scripts/../etc/passwd", ReasonPathTraversal},
		{"/opt/ops-scripts/./health.sh", ReasonPathTraversal},
		{"/tmp/x.sh", ReasonScriptDirNotAllowed},
		{"/opt/ops-scripts-evil/x.sh", ReasonScriptDirNotAllowed},
		{"/opt/ops-scripts/health.exe", ReasonScriptExtensionNotAllowed},
		{"/opt/ops-scripts/health", ReasonScriptExtensionNotAllowed},
	}
	for _, tc := range cases {
		verdict := v.Validate(tc.cmd)
		if verdict.OK {
			t.Errorf("%q: accepted, want %q", tc.cmd, tc.reason)
			continue
		}
		if verdict.Reason != tc.reason {
			t.Errorf("%q: reason %q, want %q", tc.cmd, verdict.Reason, tc.reason)
		}
	}
}

func TestScriptPathDirPrefixIsSegmentAware(t *testing.T) {
	// "/opt/ops-scripts" must not admit "/opt/ops-scriptsX".
	v := NewValidator(Rules{ScriptDirs: []string{"/opt/ops-scripts"}})

	if verdict := v.Validate("/opt/ops-scriptsX/x.sh"); verdict.OK {
		t.Error("sibling directory with shared prefix accepted")
	}
	if verdict := v.Validate("/opt/ops-scripts/nested/deep/x.sh"); !verdict.OK {
		t.Errorf("nested allowed-dir script rejected: %s", verdict.Reason)
	}
}

func TestScriptPathWithArgumentsFallsToAllowList(t *testing.T) {
	// A script invocation is a single token. With arguments it is an
	// ordinary command whose first token is not allow-listed.
	v := defaultValidator()
	verdict := v.Validate("/opt/ops-scripts/health.sh --verbose")
	if verdict.OK {
		t.Fatal("script path with arguments accepted")
	}
	if verdict.Reason != ReasonCommandNotAllowed {
		t.Errorf("reason %q, want %q", verdict.Reason, ReasonCommandNotAllowed)
	}
}

func TestScriptPathSkipsTextualRules(t *testing.T) {
	// The path checks decide script invocations alone: a name that
	// happens to contain a blocked substring is still a file inside an
	// allowed directory.
	v := defaultValidator()
	verdict := v.Validate("/opt/ops-scripts/reboot-report.sh")
	if !verdict.OK {
		t.Errorf("script named after a blocked substring rejected: %s", verdict.Reason)
	}
}

func TestCustomRules(t *testing.T) {
	v := NewValidator(Rules{
		AllowedCommands:  []string{"echo"},
		ScriptDirs:       []string{"/srv/jobs/"},
		ScriptExtensions: []string{".sh"},
		MaxLength:        32,
	})

	if verdict := v.Validate("echo hi"); !verdict.OK {
		t.Errorf("custom allow-list: %s", verdict.Reason)
	}
	if verdict := v.Validate("ls"); verdict.OK {
		t.Error("default allow-list leaked into custom rules")
	}
	if verdict := v.Validate("/srv/jobs/run.sh"); !verdict.OK {
		t.Errorf("trailing-slash dir config: %s", verdict.Reason)
	}
	if verdict := v.Validate("echo " + strings.Repeat("x", 40)); verdict.Reason != ReasonCommandTooLong {
		t.Errorf("custom max length not applied: %+v", verdict)
	}
}

func TestVerdictDeterminism(t *testing.T) {
	// Server and agent build their validators from the same rule
	// tables; identical input must yield identical verdicts.
	server := NewValidator(Rules{})
	agent := NewValidator(Rules{})

	inputs := []string{
		"whoami", "rm -rf /", "ls; id", "/opt/ops-scripts/a.sh",
		"/tmp/b.sh", "systemctl restart x", "", "ps aux",
		"/opt/ops-scripts/../x.sh", "cat /etc/hostname",
	}
	for _, in := range inputs {
		a, b := server.Validate(in), agent.Validate(in)
		if a != b {
			t.Errorf("%q: server %+v != agent %+v", in, a, b)
		}
	}
}
