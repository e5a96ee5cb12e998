// Package policy decides whether a candidate command may reach a shell
// process. Evaluation is a strict ordered pipeline: cheap structural checks,
// the machine-caller pre-screen, the dangerous-pattern denylist, operator
// custom rules, the executable allowlist, the workspace-boundary check, and
// finally rate limiting. The first failing stage short-circuits.
package policy

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/GGPrompts/termhub/internal/audit"
	"github.com/GGPrompts/termhub/internal/config"
)

// CallerContext marks who submitted a command. Machine-originated commands
// get the supplementary pattern set and the stricter tiered rate limit.
type CallerContext struct {
	SessionID    string // caller's own session id, keys the agent-tier limit
	ConnectionID string // transport connection, recorded in audit events
	Source       string // free-form origin tag, e.g. "orchestrator"
	Machine      bool   // true for automated/AI-originated commands
}

// Result is the outcome of one evaluation.
type Result struct {
	Accepted   bool     `json:"accepted"`
	Reason     string   `json:"reason,omitempty"`
	Severity   Severity `json:"severity,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

func accept() Result { return Result{Accepted: true} }

func reject(reason string, sev Severity, suggestion string) Result {
	return Result{Reason: reason, Severity: sev, Suggestion: suggestion}
}

// Engine evaluates commands. It holds no per-session state beyond the rate
// counters; Evaluate is safe for concurrent use.
type Engine struct {
	maxCommandLength int
	dangerousMode    bool
	workspaceRoot    string
	hostOS           string // runtime.GOOS, injectable for tests

	customRules []Rule
	extraExecs  map[string]bool

	limits   *rateLimiter
	auditLog *audit.Log
}

// NewEngine builds an Engine from service settings and the optional policy
// overlay. Custom patterns that fail to compile are an error, not a skip: a
// half-loaded policy is worse than a failed start.
func NewEngine(cfg config.Settings, overlay config.PolicyFile, auditLog *audit.Log) (*Engine, error) {
	e := &Engine{
		maxCommandLength: cfg.MaxCommandLength,
		dangerousMode:    cfg.DangerousMode,
		workspaceRoot:    cfg.WorkspaceRoot,
		hostOS:           runtime.GOOS,
		extraExecs:       make(map[string]bool),
		limits:           newRateLimiter(cfg.RateLimitPerMinute, cfg.AgentRatePerMinute, cfg.AgentRatePerHour),
		auditLog:         auditLog,
	}
	for _, cp := range overlay.CustomPatterns {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("custom pattern %q: %w", cp.Pattern, err)
		}
		reason := cp.Reason
		if reason == "" {
			reason = "matched custom policy pattern"
		}
		e.customRules = append(e.customRules, Rule{Pattern: re, Reason: reason, Severity: ParseSeverity(cp.Severity)})
	}
	for _, exe := range overlay.AllowedExecutables {
		e.extraExecs[strings.ToLower(exe)] = true
	}
	return e, nil
}

// Evaluate runs the full pipeline for one command. Rejections (and boundary
// flags) are appended to the audit log before returning.
func (e *Engine) Evaluate(command, workbranch string, caller *CallerContext) Result {
	if res := e.structuralCheck(command); !res.Accepted {
		return e.audited(res, audit.EventCommandBlocked, command, workbranch, caller)
	}

	if caller != nil && caller.Machine {
		if res := e.machineCallerScreen(command); !res.Accepted {
			return e.audited(res, audit.EventCommandBlocked, command, workbranch, caller)
		}
	}

	for _, rule := range dangerousPatterns {
		if rule.Pattern.MatchString(command) {
			res := reject(rule.Reason, rule.Severity, "")
			return e.audited(res, audit.EventCommandBlocked, command, workbranch, caller)
		}
	}

	for _, rule := range e.customRules {
		if rule.Pattern.MatchString(command) {
			res := reject(rule.Reason, rule.Severity, "")
			return e.audited(res, audit.EventCommandBlocked, command, workbranch, caller)
		}
	}

	if !e.dangerousMode {
		if res := e.allowlistCheck(command); !res.Accepted {
			return e.audited(res, audit.EventCommandBlocked, command, workbranch, caller)
		}
	}

	b := checkBoundary(command, e.workspaceRoot, workbranch)
	if b.escaped {
		res := reject("path "+b.escapePath+" resolves outside the workspace root", SeverityHigh, "keep paths inside the workspace")
		return e.audited(res, audit.EventBoundaryViolation, command, workbranch, caller)
	}
	if b.flagged {
		// Allowed but recorded: isolation between workbranches is advisory.
		e.auditLog.Append(e.event(audit.EventBoundaryFlagged, command, workbranch, caller,
			"path "+b.flagPath+" is outside workbranch "+workbranch, SeverityLow))
	}

	if caller != nil && caller.Machine {
		if !e.limits.allowAgent(caller.SessionID) {
			res := reject("automated-caller rate limit exceeded", SeverityMedium, "reduce command frequency and retry later")
			return e.audited(res, audit.EventRateLimited, command, workbranch, caller)
		}
	}
	if !e.limits.allowGeneric(workbranch, command) {
		res := reject("rate limit exceeded for this command", SeverityMedium, "wait for the current window to pass before retrying")
		return e.audited(res, audit.EventRateLimited, command, workbranch, caller)
	}

	return accept()
}

// structuralCheck rejects empty, oversized, or control-byte-laden input
// before any pattern scan runs.
func (e *Engine) structuralCheck(command string) Result {
	if strings.TrimSpace(command) == "" {
		return reject("empty command", SeverityLow, "")
	}
	if len(command) > e.maxCommandLength {
		return reject(fmt.Sprintf("command exceeds maximum length of %d", e.maxCommandLength), SeverityMedium, "shorten the command")
	}
	for _, r := range command {
		if r == 0 {
			return reject("command contains a NUL byte", SeverityCritical, "")
		}
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return reject("command contains control characters", SeverityHigh, "")
		}
	}
	return accept()
}

// machineCallerScreen applies the supplementary checks for machine-originated
// commands: host-OS mismatch, the agent pattern set, and a structural
// complexity gate distinct from the patterns.
func (e *Engine) machineCallerScreen(command string) Result {
	if e.hostOS == "windows" && osMismatchUnix.MatchString(command) {
		return reject("unix package manager invoked on a windows host", SeverityMedium, "use the windows-native equivalent")
	}
	if e.hostOS != "windows" && osMismatchWindows.MatchString(command) {
		return reject("windows package manager invoked on a non-windows host", SeverityMedium, "use the platform package manager")
	}

	for _, rule := range agentPatterns {
		if rule.Pattern.MatchString(command) {
			return reject(rule.Reason, rule.Severity, "simplify the command and retry")
		}
	}

	operators := len(chainSeparators.FindAllString(command, -1))
	subCommands := operators + 1
	if subCommands > 4 || operators > 3 || loopConstruct.MatchString(command) {
		return reject("command is too complex for an automated caller", SeverityMedium, "split into separate, simpler commands")
	}
	return accept()
}

// allowlistCheck requires the command's executable to be in the safe set (or
// configured as extra). npm gets subcommand-level treatment.
func (e *Engine) allowlistCheck(command string) Result {
	exe := executableToken(command)
	if !safeExecutables[exe] && !e.extraExecs[exe] {
		return reject("executable "+exe+" is not in the allowed command set", SeverityMedium, "use an approved command or ask an operator to extend the allowlist")
	}
	if exe == "npm" {
		if reason := checkNpm(command); reason != "" {
			return reject(reason, SeverityMedium, "use an allowed npm subcommand or script")
		}
	}
	return accept()
}

func (e *Engine) audited(res Result, kind, command, workbranch string, caller *CallerContext) Result {
	e.auditLog.Append(e.event(kind, command, workbranch, caller, res.Reason, res.Severity))
	return res
}

func (e *Engine) event(kind, command, workbranch string, caller *CallerContext, reason string, sev Severity) audit.Event {
	ev := audit.Event{
		Kind:       kind,
		Command:    command,
		Workbranch: workbranch,
		Reason:     reason,
		Severity:   string(sev),
	}
	if caller != nil {
		ev.ConnectionID = caller.ConnectionID
		ev.CallerSessionID = caller.SessionID
	}
	return ev
}

// SetHostOS overrides the detected host OS. Test hook.
func (e *Engine) SetHostOS(os string) { e.hostOS = os }

// SetNowFunc overrides the rate limiter clock. Test hook.
func (e *Engine) SetNowFunc(fn func() time.Time) {
	e.limits.mu.Lock()
	e.limits.nowFn = fn
	e.limits.mu.Unlock()
}
