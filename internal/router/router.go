// Package router dispatches decoded inbound messages: it validates shape,
// runs the policy gate in front of command execution, calls into the
// registry and sessions, and wires session output events back to the
// originating connection. The router itself is stateless apart from its
// collaborator references.
package router

import (
	"log"
	"time"

	"github.com/GGPrompts/termhub/internal/audit"
	"github.com/GGPrompts/termhub/internal/logutil"
	"github.com/GGPrompts/termhub/internal/policy"
	"github.com/GGPrompts/termhub/internal/registry"
	"github.com/GGPrompts/termhub/internal/term"
)

// Connection is the transport seam the router sends through. Send must never
// fault; it reports false once the connection is gone.
type Connection interface {
	ID() string
	Send(msg Response) bool
	Alive() bool
}

// Router wires policy, registry, and audit together per request.
type Router struct {
	policy   *policy.Engine
	registry *registry.Registry
	auditLog *audit.Log

	// trustedCallerTag names the one caller source allowed to bypass the
	// policy gate on execute. Empty disables the bypass. This is a narrow,
	// configured trust boundary, and every use of it is audited.
	trustedCallerTag string

	startedAt time.Time
	nowFn     func() time.Time
}

// New creates a router.
func New(pol *policy.Engine, reg *registry.Registry, auditLog *audit.Log, trustedCallerTag string) *Router {
	return &Router{
		policy:           pol,
		registry:         reg,
		auditLog:         auditLog,
		trustedCallerTag: trustedCallerTag,
		startedAt:        time.Now(),
		nowFn:            time.Now,
	}
}

// Handle processes one request and returns the response, or nil when the
// kind produces none. Any panic below is converted into an internal-error
// response here; nothing may crash the connection.
func (rt *Router) Handle(req Request, conn Connection) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[router] panic handling %s: %v", req.Kind, rec)
			resp = rt.fail(req, ErrInternal, "internal error")
		}
	}()

	switch req.Kind {
	case KindCreate:
		return rt.handleCreate(req, conn)
	case KindDestroy:
		return rt.handleDestroy(req, conn)
	case KindExecute:
		return rt.handleExecute(req, conn)
	case KindWrite:
		return rt.handleWrite(req, conn)
	case KindResize:
		return rt.handleResize(req, conn)
	case KindList:
		return rt.handleList(req, conn)
	case KindStatus:
		return rt.handleStatus(req, conn)
	case KindReadOutput:
		return rt.handleReadOutput(req, conn)
	case KindServiceStats:
		return rt.handleServiceStats(req)
	case KindAuditQuery:
		return rt.handleAuditQuery(req)
	case KindHeartbeat:
		return rt.ok(req, nil)
	default:
		return rt.fail(req, ErrValidation, "unknown message kind")
	}
}

func (rt *Router) handleCreate(req Request, conn Connection) *Response {
	if req.Workbranch == "" {
		return rt.fail(req, ErrValidation, "workbranch is required")
	}
	shell := term.ShellKind(req.Shell)
	if req.Shell == "" {
		shell = term.DefaultShellKind()
	}

	s, err := rt.registry.CreateSession(registry.CreateParams{
		Workbranch:   req.Workbranch,
		Shell:        shell,
		WorkingDir:   req.WorkingDir,
		Title:        req.Title,
		Env:          req.Env,
		Cols:         req.Cols,
		Rows:         req.Rows,
		ConnectionID: conn.ID(),
	})
	if err != nil {
		reason := registry.CreateFailureReason(err)
		log.Printf("[router] create failed for workbranch %s: %v",
			logutil.SanitizeForLog(req.Workbranch), err)
		// Infrastructure detail stays in the server log; the client gets
		// the stable reason string.
		return rt.fail(req, reason, "session creation failed: "+reason)
	}

	rt.wireEvents(s, conn)

	resp := rt.ok(req, map[string]any{
		"sessionId":  s.ID,
		"workbranch": s.Workbranch,
		"shell":      string(s.Shell),
		"title":      s.Title,
	})
	resp.SessionID = s.ID
	return resp
}

// wireEvents installs the output/exit listener pair, addressed to the
// originating connection only. Both callbacks drop silently when the
// connection is gone.
func (rt *Router) wireEvents(s *term.Session, conn Connection) {
	sessionID := s.ID
	s.SetListener(&term.Listener{
		OnOutput: func(data []byte) {
			if !conn.Alive() {
				return
			}
			conn.Send(Response{
				Kind:      KindOutput,
				SessionID: sessionID,
				Accepted:  true,
				Payload:   map[string]any{"data": string(data)},
				Timestamp: rt.nowFn().UnixMilli(),
			})
		},
		OnExit: func(exitCode int) {
			if !conn.Alive() {
				return
			}
			conn.Send(Response{
				Kind:      KindExit,
				SessionID: sessionID,
				Accepted:  true,
				Payload:   map[string]any{"exitCode": exitCode},
				Timestamp: rt.nowFn().UnixMilli(),
			})
		},
	})
}

func (rt *Router) handleDestroy(req Request, conn Connection) *Response {
	s, errResp := rt.ownedSession(req, conn)
	if errResp != nil {
		return errResp
	}
	if err := rt.registry.DestroySession(s.ID); err != nil {
		return rt.fail(req, ErrNotFound, "session not found")
	}
	return rt.ok(req, nil)
}

func (rt *Router) handleExecute(req Request, conn Connection) *Response {
	if req.Command == "" {
		return rt.fail(req, ErrValidation, "command is required")
	}
	s, errResp := rt.ownedSession(req, conn)
	if errResp != nil {
		return errResp
	}

	if rt.trustedCallerTag != "" && req.Source == rt.trustedCallerTag {
		// The one named bypass: orchestrator-sourced commands skip the
		// generic policy gate. Recorded so the trust boundary stays visible.
		log.Printf("[router] policy bypass by trusted caller %q on session %s: %s",
			rt.trustedCallerTag, s.ID, logutil.SanitizeForLog(logutil.Truncate(req.Command, 120)))
	} else {
		caller := &policy.CallerContext{
			SessionID:    s.ID,
			ConnectionID: conn.ID(),
			Source:       req.Source,
			Machine:      req.Machine,
		}
		verdict := rt.policy.Evaluate(req.Command, s.Workbranch, caller)
		if !verdict.Accepted {
			resp := rt.fail(req, ErrSecurityViolation, verdict.Reason)
			resp.Payload = map[string]any{
				"severity":   string(verdict.Severity),
				"suggestion": verdict.Suggestion,
			}
			return resp
		}
	}

	if !s.ExecuteCommand(req.Command) {
		return rt.fail(req, ErrValidation, "session is not running")
	}
	return rt.ok(req, nil)
}

func (rt *Router) handleWrite(req Request, conn Connection) *Response {
	if req.Data == "" {
		return rt.fail(req, ErrValidation, "data is required")
	}
	s, errResp := rt.ownedSession(req, conn)
	if errResp != nil {
		return errResp
	}
	if !s.Write([]byte(req.Data)) {
		return rt.fail(req, ErrValidation, "session is not running")
	}
	return rt.ok(req, nil)
}

func (rt *Router) handleResize(req Request, conn Connection) *Response {
	if req.Cols == 0 && req.Rows == 0 {
		return rt.fail(req, ErrValidation, "cols and rows are required")
	}
	s, errResp := rt.ownedSession(req, conn)
	if errResp != nil {
		return errResp
	}
	if !s.Resize(req.Cols, req.Rows) {
		return rt.fail(req, ErrValidation, "dimensions out of range")
	}
	return rt.ok(req, nil)
}

func (rt *Router) handleList(req Request, conn Connection) *Response {
	var sessions []*term.Session
	if req.Workbranch != "" {
		sessions = rt.registry.ByWorkbranch(req.Workbranch)
	} else {
		sessions = rt.registry.ByConnection(conn.ID())
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, summarize(s))
	}
	return rt.ok(req, map[string]any{"sessions": summaries})
}

func (rt *Router) handleStatus(req Request, conn Connection) *Response {
	s, errResp := rt.ownedSession(req, conn)
	if errResp != nil {
		return errResp
	}
	totalOutput, commands := s.Counters()
	return rt.ok(req, map[string]any{
		"session":          summarize(s),
		"totalOutputBytes": totalOutput,
		"commandCount":     commands,
		"bufferedBytes":    s.BufferLen(),
		"exitCode":         s.ExitCode(),
	})
}

func (rt *Router) handleReadOutput(req Request, conn Connection) *Response {
	s, errResp := rt.ownedSession(req, conn)
	if errResp != nil {
		return errResp
	}
	return rt.ok(req, map[string]any{"output": string(s.OutputSnapshot())})
}

func (rt *Router) handleServiceStats(req Request) *Response {
	counts := rt.registry.CountsByStatus()
	byStatus := make(map[string]int, len(counts))
	for k, v := range counts {
		byStatus[string(k)] = v
	}
	return rt.ok(req, map[string]any{
		"sessions":      rt.registry.Count(),
		"byStatus":      byStatus,
		"audit":         rt.auditLog.Stats(),
		"uptimeSeconds": int(rt.nowFn().Sub(rt.startedAt).Seconds()),
	})
}

func (rt *Router) handleAuditQuery(req Request) *Response {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	return rt.ok(req, map[string]any{
		"events": rt.auditLog.Recent(limit),
		"stats":  rt.auditLog.Stats(),
	})
}

// ownedSession resolves the target session and enforces the ownership check.
// An unbound session (owner disconnected earlier) is adopted by the
// requesting connection, which is the reconnect-and-resume path.
func (rt *Router) ownedSession(req Request, conn Connection) (*term.Session, *Response) {
	if req.SessionID == "" {
		return nil, rt.fail(req, ErrValidation, "sessionId is required")
	}
	s := rt.registry.Get(req.SessionID)
	if s == nil {
		return nil, rt.fail(req, ErrNotFound, "session not found")
	}
	owner := s.OwnerConnection()
	if owner == "" {
		rt.registry.BindConnection(s.ID, conn.ID())
		rt.wireEvents(s, conn)
		return s, nil
	}
	if owner != conn.ID() {
		return nil, rt.fail(req, ErrPermissionDenied, "session belongs to another connection")
	}
	return s, nil
}

func (rt *Router) ok(req Request, payload any) *Response {
	return &Response{
		Kind:          req.Kind + "-response",
		CorrelationID: req.CorrelationID,
		SessionID:     req.SessionID,
		Accepted:      true,
		Payload:       payload,
		Timestamp:     rt.nowFn().UnixMilli(),
	}
}

func (rt *Router) fail(req Request, code, message string) *Response {
	return &Response{
		Kind:          req.Kind + "-response",
		CorrelationID: req.CorrelationID,
		SessionID:     req.SessionID,
		Accepted:      false,
		Error:         code,
		Message:       message,
		Timestamp:     rt.nowFn().UnixMilli(),
	}
}
