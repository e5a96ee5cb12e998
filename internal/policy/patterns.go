package policy

import "regexp"

// Rule is one denylist entry: a pattern with its fixed reason and severity.
// Rules are plain data so each one can be tested in isolation.
type Rule struct {
	Pattern  *regexp.Regexp
	Reason   string
	Severity Severity
}

// dangerousPatterns is the ordered general denylist. First match wins, so
// specific data-loss rules come before the broad metacharacter rules and the
// caller gets the most actionable reason.
var dangerousPatterns = []Rule{
	{regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\b`), "recursive force deletion", SeverityCritical},
	{regexp.MustCompile(`(?i)\bdel\s+/[sq]\b`), "recursive deletion (del /s or /q)", SeverityCritical},
	{regexp.MustCompile(`(?i)\brd\s+/s\b`), "recursive directory removal", SeverityCritical},
	{regexp.MustCompile(`(?i)\b(mkfs|fdisk|parted|diskpart)\b`), "disk formatting or partitioning", SeverityCritical},
	{regexp.MustCompile(`(?i)\bformat\s+[a-z]:`), "drive formatting", SeverityCritical},
	{regexp.MustCompile(`(?i)\bdd\b[^|]*\bof=/dev/`), "raw write to a block device", SeverityCritical},
	{regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|mmcblk)`), "redirect onto a block device", SeverityCritical},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`), "fork bomb", SeverityCritical},
	{regexp.MustCompile(`(?i)\b(curl|wget|iwr|invoke-webrequest)\b[^|;&]*\|\s*(sh|bash|zsh|python\d?|perl|ruby|node|pwsh|powershell|iex)\b`), "download piped to an interpreter", SeverityCritical},
	{regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff|halt)\b`), "system shutdown or reboot", SeverityHigh},
	{regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\b[^|]*(\s-[a-z]*l|--listen)`), "network listener creation", SeverityHigh},
	{regexp.MustCompile(`(?i)\b(telnet|rsh|rlogin)\b`), "insecure remote connection", SeverityHigh},
	{regexp.MustCompile(`(?i)\b(sudo|doas|runas)\b`), "privilege escalation", SeverityHigh},
	{regexp.MustCompile(`\$\(|` + "`"), "command substitution", SeverityHigh},
	{regexp.MustCompile(`[<>]\(`), "process substitution", SeverityHigh},
	{regexp.MustCompile(`\.\.[/\\]`), "path traversal sequence", SeverityHigh},
	{regexp.MustCompile(`(?i)(/etc/(passwd|shadow|sudoers)|/boot/|c:\\windows\\system32|%systemroot%)`), "access to sensitive system paths", SeverityHigh},
	{regexp.MustCompile(`(?i)\breg\s+(add|delete)\b`), "registry mutation", SeverityHigh},
	{regexp.MustCompile(`(?i)\b(sc|net)\s+(stop|config|delete|user)\b`), "service or account mutation", SeverityHigh},
	{regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*0?777\b`), "world-writable permission change", SeverityHigh},
	{regexp.MustCompile(`(?i)\bchown\s+-[a-z]*r\b`), "recursive ownership change", SeverityHigh},
	{regexp.MustCompile(`(?i)\b(killall|pkill)\b`), "mass process termination", SeverityMedium},
	{regexp.MustCompile(`(?i)\btaskkill\b.*\s/f\b`), "forced process termination", SeverityMedium},
	{regexp.MustCompile(`(?i)\b(gzip|bzip2|xz|zip)\b[^|]*\s/dev/(zero|urandom)\b`), "compression bomb construction", SeverityMedium},
	{regexp.MustCompile(`\|\||&&|;|\|`), "command chaining or piping", SeverityMedium},
}

// agentPatterns is the supplementary denylist applied before the general one
// when the caller context marks the command as machine-originated. These
// target idioms that automated callers produce far more often than humans.
var agentPatterns = []Rule{
	{regexp.MustCompile(`(?i)\b(for|while)\b[^|]*\b(rm|del|rmdir|rd|format|mkfs)\b`), "loop combined with a destructive command", SeverityCritical},
	{regexp.MustCompile(`(?i)\b(curl|wget|iwr|invoke-webrequest)\b.*\b(sh|bash|iex|invoke-expression)\b`), "download-and-execute idiom", SeverityCritical},
	{regexp.MustCompile(`(?i)\b(sudo|doas)\b.*\s(-f|--force|-y|--yes)\b`), "privilege escalation with force flag", SeverityHigh},
	{regexp.MustCompile(`(?i)^\s*(auto_install|auto-fix|smart_deploy|ai_fix|magic_build|do_everything)\b`), "unrecognized tool, possibly hallucinated", SeverityMedium},
}

// osMismatchUnix matches Unix package-manager invocations, rejected when the
// host is Windows; osMismatchWindows is the converse.
var (
	osMismatchUnix    = regexp.MustCompile(`(?i)^\s*(apt(-get)?|yum|dnf|pacman|apk|brew)\b`)
	osMismatchWindows = regexp.MustCompile(`(?i)^\s*(choco|winget|scoop)\b`)
)

// chainSeparators matches the operators that join sub-commands. Used by the
// structural-complexity gate for machine-originated commands.
var chainSeparators = regexp.MustCompile(`\|\||&&|;|\|`)

// loopConstruct matches shell flow-control keywords paired with their
// body openers.
var loopConstruct = regexp.MustCompile(`(?i)\b(for|while|if)\b.*\b(do|then)\b`)
