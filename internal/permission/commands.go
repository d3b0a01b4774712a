package permission

import (
	"regexp"
	"strings"
)

// dangerousPatterns match shell commands that are refused under every policy but yolo.
var dangerousPatterns = compileAll(
	// file system destruction
	`rm\s+(-[a-z]*r[a-z]*f?|-[a-z]*f[a-z]*r|--recursive)\s+[/~]`,
	`rm\s+-rf?\s+\*`,
	`rmdir\s+[/~]`,
	// disk operations
	`\bdd\s+if=`,
	`\bmkfs`,
	`\bfdisk\b`,
	`\bparted\b`,
	// system control
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
	`\bpoweroff\b`,
	`\binit\s+[06]\b`,
	// permission changes on root or home
	`chmod\s+(-R\s+)?777\s+[/~]`,
	`chown\s+-R\s+.*\s+[/~]`,
	// listeners
	`\bnc\s+-l`,
	`\bnetcat\s+-l`,
	// remote code piped to a shell
	`(curl|wget)\s+.*\|\s*(ba|z)?sh\b`,
	// fork bomb
	`:\(\)\s*\{\s*:\|:&\s*\}\s*;`,
)

// safePatterns match commands that only read state.
var safePatterns = compileAll(
	`^(ls|dir|pwd|echo|cat|head|tail|less|more|wc)(\s|$)`,
	`^(find|locate|which|whereis|file|stat)(\s|$)`,
	`^git\s+(status|log|diff|show)(\s|$)`,
	`^git\s+(branch|remote|tag)(\s+(-a|-r|-v|-vv|-l|--list|--all|--show-current))*$`,
	`^(npm|yarn|pnpm)\s+(list|ls|outdated)(\s|$)`,
	`^pip\s+(list|show|freeze)(\s|$)`,
	`^go\s+(list|version|env|doc)(\s|$)`,
	`^(grep|rg|cut|sort|uniq|tr|diff|comm)(\s|$)`,
	`^(date|cal|uptime|whoami|id|groups|hostname|uname)(\s|$)`,
	`^(env|printenv)$`,
	`^(ps|pgrep)(\s|$)`,
)

// writingArgs match arguments that turn an otherwise safe command into one
// that writes or runs other programs.
var writingArgs = compileAll(
	`^find(\s.*)?\s-(delete|exec|execdir|ok|okdir|fprint0?|fprintf|fls)(\s|$)`,
	`^sort(\s.*)?\s(-[a-z]*o|--output)`,
	`^rg(\s.*)?\s--pre(\s|=)`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// IsDangerousCommand reports whether cmd matches a known destructive pattern.
func IsDangerousCommand(cmd string) bool {
	for _, re := range dangerousPatterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// IsSafeCommand reports whether cmd is a read-only command. Commands chained
// with ;, &&, || or a pipe into anything unsafe, or using redirection, are not safe.
func IsSafeCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.ContainsAny(cmd, ">`$") {
		return false
	}
	for _, part := range splitCommands(cmd) {
		if !matchesAny(safePatterns, part) || matchesAny(writingArgs, part) {
			return false
		}
	}
	return true
}

func splitCommands(cmd string) []string {
	f := func(r rune) bool { return r == ';' || r == '|' || r == '&' || r == '\n' }
	var parts []string
	for _, p := range strings.FieldsFunc(cmd, f) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
