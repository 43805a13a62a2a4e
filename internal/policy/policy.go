// Package policy implements the command admission policy. The same
// validator runs on the server before dispatch and on the agent before
// execution; both sides must produce identical verdicts for identical
// input, so everything here is pure and table-driven.
package policy

import (
	"path"
	"strings"
)

// Rejection reason codes. The reason names the first rule that fired;
// it is returned to the operator and logged, never expanded with input
// echoes beyond the command itself.
const (
	ReasonEmptyCommand              = "empty_command"
	ReasonCommandTooLong            = "command_too_long"
	ReasonInjectionPattern          = "injection_pattern"
	ReasonDangerousPattern          = "dangerous_pattern"
	ReasonPathTraversal             = "path_traversal"
	ReasonScriptDirNotAllowed       = "script_dir_not_allowed"
	ReasonScriptExtensionNotAllowed = "script_extension_not_allowed"
	ReasonCommandNotAllowed         = "command_not_allowed"
)

// MaxCommandLength caps accepted command text at 4 KiB.
const MaxCommandLength = 4096

// DefaultAllowedCommands is the first-token allow-list: read-only
// inspection tools. systemctl is further restricted to its status and
// show subcommands (see Validate).
var DefaultAllowedCommands = []string{
	"ps", "ls", "pwd", "whoami", "id", "hostname", "uname", "date",
	"uptime", "df", "free", "top", "htop", "iostat", "vmstat", "sar",
	"mpstat", "netstat", "ss", "ip", "ifconfig", "ping", "cat", "head",
	"tail", "less", "more", "grep", "find", "systemctl", "journalctl",
	"service", "env", "history", "which", "whereis",
}

// DefaultBlockedPatterns are contiguous substrings that reject a
// command outright. Matching is case-sensitive.
var DefaultBlockedPatterns = []string{
	"rm -rf", "mkfs", "fdisk", "dd if=", "dd of=",
	"shutdown", "reboot", "halt", "poweroff", "init 0", "init 6",
	"chmod 777", "chown root", "passwd", "sudo su", "su -",
	"bash -i", "sh -i", "nc ", "curl ", "wget ", "eval ", "exec ",
	"kill -9", "killall", "pkill",
}

// DefaultScriptDirs are the directories whose scripts may be invoked
// directly by absolute path.
var DefaultScriptDirs = []string{
	"/opt/ops-scripts",
	"/usr/local/bin/scripts",
	"/home/ops/scripts",
}

// DefaultScriptExtensions are the accepted script file extensions.
var DefaultScriptExtensions = []string{"sh", "py", "pl", "rb"}

// Rules parameterizes a Validator. Zero-value slices fall back to the
// package defaults.
type Rules struct {
	AllowedCommands  []string
	BlockedPatterns  []string
	ScriptDirs       []string
	ScriptExtensions []string
	MaxLength        int
}

// Verdict is the outcome of validating one command. Sanitized is the
// control-stripped text that later rules inspected; it is what must be
// executed when OK.
type Verdict struct {
	OK        bool
	Reason    string
	Sanitized string
}

// Validator applies the admission rules. Construct once, use from any
// goroutine.
type Validator struct {
	allowed   map[string]struct{}
	blocked   []string
	dirs      []string
	exts      map[string]struct{}
	maxLength int
}

// NewValidator builds a validator from rules, substituting defaults for
// any empty table.
func NewValidator(r Rules) *Validator {
	if len(r.AllowedCommands) == 0 {
		r.AllowedCommands = DefaultAllowedCommands
	}
	if len(r.BlockedPatterns) == 0 {
		r.BlockedPatterns = DefaultBlockedPatterns
	}
	if len(r.ScriptDirs) == 0 {
		r.ScriptDirs = DefaultScriptDirs
	}
	if len(r.ScriptExtensions) == 0 {
		r.ScriptExtensions = DefaultScriptExtensions
	}
	if r.MaxLength <= 0 {
		r.MaxLength = MaxCommandLength
	}

	v := &Validator{
		allowed:   make(map[string]struct{}, len(r.AllowedCommands)),
		blocked:   r.BlockedPatterns,
		exts:      make(map[string]struct{}, len(r.ScriptExtensions)),
		maxLength: r.MaxLength,
	}
	for _, c := range r.AllowedCommands {
		v.allowed[c] = struct{}{}
	}
	for _, e := range r.ScriptExtensions {
		v.exts[strings.TrimPrefix(e, ".")] = struct{}{}
	}
	for _, d := range r.ScriptDirs {
		if d = strings.TrimRight(d, "/"); d != "" {
			v.dirs = append(v.dirs, d)
		}
	}
	return v
}

// Validate applies the rules in order and returns the verdict for the
// first rule that fires, or OK with the sanitized text to execute.
//
// A command whose sanitized form is a single token starting with "/" is
// a script-path invocation: the path checks decide it alone, and the
// textual injection and dangerous-substring rules do not apply. A path
// like ".../etc/passwd" therefore reports path_traversal, not the
// blocked substring it happens to contain.
func (v *Validator) Validate(command string) Verdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return reject(ReasonEmptyCommand)
	}
	if len(trimmed) > v.maxLength {
		return reject(ReasonCommandTooLong)
	}

	sanitized := strings.TrimSpace(stripControl(trimmed))
	if sanitized == "" {
		return reject(ReasonEmptyCommand)
	}

	fields := strings.Fields(sanitized)
	if strings.HasPrefix(sanitized, "/") && len(fields) == 1 {
		return v.validateScriptPath(sanitized)
	}

	if hasInjection(sanitized, fields) {
		return reject(ReasonInjectionPattern)
	}

	for _, pattern := range v.blocked {
		if strings.Contains(sanitized, pattern) {
			return reject(ReasonDangerousPattern)
		}
	}

	first := fields[0]
	if _, ok := v.allowed[first]; !ok {
		return reject(ReasonCommandNotAllowed)
	}
	if first == "systemctl" &&
		!strings.HasPrefix(sanitized, "systemctl status") &&
		!strings.HasPrefix(sanitized, "systemctl show") {
		return reject(ReasonCommandNotAllowed)
	}

	return Verdict{OK: true, Sanitized: sanitized}
}

// validateScriptPath checks a single-token absolute path: no traversal
// segments, parent inside an allowed directory, allowed extension.
func (v *Validator) validateScriptPath(p string) Verdict {
	if strings.Contains(p, "..") || strings.Contains(p, "./") {
		return reject(ReasonPathTraversal)
	}

	parent := path.Dir(p)
	ok := false
	for _, dir := range v.dirs {
		if parent == dir || strings.HasPrefix(parent, dir+"/") {
			ok = true
			break
		}
	}
	if !ok {
		return reject(ReasonScriptDirNotAllowed)
	}

	dot := strings.LastIndex(p, ".")
	slash := strings.LastIndex(p, "/")
	if dot <= slash {
		return reject(ReasonScriptExtensionNotAllowed)
	}
	if _, ok := v.exts[p[dot+1:]]; !ok {
		return reject(ReasonScriptExtensionNotAllowed)
	}

	return Verdict{OK: true, Sanitized: p}
}

// stripControl removes ASCII control characters except tab; space is
// not a control character and survives untouched.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// hasInjection detects shell metacharacters the policy refuses to pass
// to the host shell: separators, pipes, substitution, backgrounding.
// Textual, not shell-parsed: quoting does not exempt anything.
func hasInjection(s string, fields []string) bool {
	if strings.ContainsAny(s, ";|`") {
		return true
	}
	if strings.Contains(s, "$(") || strings.Contains(s, "&&") {
		return true
	}
	for _, f := range fields {
		if strings.HasSuffix(f, "&") {
			return true
		}
	}
	return false
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}
