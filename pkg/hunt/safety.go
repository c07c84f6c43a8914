package hunt

import "regexp"

// SafetyVerdict classifies a command before it is sent to the remote.
type SafetyVerdict string

const (
	VerdictSafe    SafetyVerdict = "SAFE"
	VerdictSuspect SafetyVerdict = "SUSPECT"
	VerdictBlocked SafetyVerdict = "BLOCKED"
)

// blockedPatterns match commands that are never sent: destructive,
// host-wide, or credential-exfiltrating. Matching is case-insensitive.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+/(\s|$)`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/(sd|nvme|vd|hd)`),
	regexp.MustCompile(`(?i)>\s*/dev/(sd|nvme|vd|hd)[a-z0-9]*`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(?i)\binit\s+0\b`),
	regexp.MustCompile(`(?i):\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`), // fork bomb
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/(\s|$)`),
	regexp.MustCompile(`(?i)\buserdel\b|\bgroupdel\b`),
	regexp.MustCompile(`(?i)\biptables\s+(-F|--flush)(\s|$)`),
	regexp.MustCompile(`(?i)\bhistory\s+-c\b`),
}

// suspectPatterns match commands that run but are flagged for review:
// outbound transfers, persistence edits, account changes.
var suspectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`(?i)\bnc\b.*\s-e\b`),
	regexp.MustCompile(`(?i)\bbase64\s+(-d|--decode)\b.*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)\bcrontab\s+-r\b`),
	regexp.MustCompile(`(?i)>\s*/etc/(passwd|shadow|sudoers)`),
	regexp.MustCompile(`(?i)\buseradd\b|\busermod\b`),
	regexp.MustCompile(`(?i)\bssh-keygen\b.*-f\s*/`),
	regexp.MustCompile(`(?i)\bscp\b|\brsync\b.*:`),
}

// ClassifyCommand returns the safety verdict for a command line. BLOCKED
// commands are refused before reaching the remote host; SUSPECT commands
// run but are logged and surfaced to the analyst.
func ClassifyCommand(command string) SafetyVerdict {
	for _, re := range blockedPatterns {
		if re.MatchString(command) {
			return VerdictBlocked
		}
	}
	for _, re := range suspectPatterns {
		if re.MatchString(command) {
			return VerdictSuspect
		}
	}
	return VerdictSafe
}
