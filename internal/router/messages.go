package router

import (
	"time"

	"github.com/GGPrompts/termhub/internal/term"
)

// Kind is a message discriminator. The set is closed: the dispatcher matches
// exhaustively and anything else is a validation error.
type Kind string

const (
	KindCreate       Kind = "create"
	KindDestroy      Kind = "destroy"
	KindExecute      Kind = "execute"
	KindWrite        Kind = "write"
	KindResize       Kind = "resize"
	KindList         Kind = "list"
	KindStatus       Kind = "status"
	KindReadOutput   Kind = "readOutput"
	KindServiceStats Kind = "serviceStats"
	KindAuditQuery   Kind = "auditQuery"
	KindHeartbeat    Kind = "heartbeat"

	// Unsolicited session events.
	KindOutput Kind = "output"
	KindExit   Kind = "exit"
)

// Error codes carried in Response.Error. Policy rejections use
// ErrSecurityViolation so clients can distinguish them from ownership and
// lookup failures.
const (
	ErrValidation        = "validation-error"
	ErrSecurityViolation = "security-violation"
	ErrPermissionDenied  = "permission-denied"
	ErrNotFound          = "not-found"
	ErrInternal          = "internal-error"
)

// Request is one decoded inbound message.
type Request struct {
	Kind          Kind           `json:"kind"`
	CorrelationID string         `json:"correlationId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Workbranch    string         `json:"workbranch,omitempty"`
	Command       string         `json:"command,omitempty"`
	Data          string         `json:"data,omitempty"`
	Shell         string         `json:"shell,omitempty"`
	Title         string         `json:"title,omitempty"`
	WorkingDir    string         `json:"workingDir,omitempty"`
	Env           []string       `json:"env,omitempty"`
	Cols          uint16         `json:"cols,omitempty"`
	Rows          uint16         `json:"rows,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Source        string         `json:"source,omitempty"`
	Machine       bool           `json:"machine,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
}

// Response is one outbound message. Responses to requests use kind
// "<request-kind>-response"; session events use "output" and "exit".
type Response struct {
	Kind          Kind   `json:"kind"`
	CorrelationID string `json:"correlationId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Accepted      bool   `json:"accepted"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	Payload       any    `json:"payload,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// SessionSummary is the list/status projection of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Workbranch   string    `json:"workbranch"`
	Shell        string    `json:"shell"`
	Title        string    `json:"title,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivityAt"`
	Cols         uint16    `json:"cols"`
	Rows         uint16    `json:"rows"`
}

func summarize(s *term.Session) SessionSummary {
	cols, rows := s.Dimensions()
	return SessionSummary{
		ID:           s.ID,
		Workbranch:   s.Workbranch,
		Shell:        string(s.Shell),
		Title:        s.Title,
		Status:       string(s.Status()),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Cols:         cols,
		Rows:         rows,
	}
}
