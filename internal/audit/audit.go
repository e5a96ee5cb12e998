// Package audit keeps an in-memory, size-bounded record of command-policy
// decisions. Only rejections and limit violations are recorded; accepted
// commands are not, which keeps the log focused on the interesting cases and
// bounds its growth.
package audit

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/GGPrompts/termhub/internal/logutil"
)

// Event kinds.
const (
	EventCommandBlocked    = "command_blocked"
	EventRateLimited       = "rate_limited"
	EventBoundaryViolation = "boundary_violation"
	EventBoundaryFlagged   = "boundary_flagged"
)

const (
	// maxEntries is the hard cap on retained events.
	maxEntries = 1000
	// compactTo is the number of most-recent events kept after compaction.
	compactTo = 500
	// maxCommandLen is the stored length of command text.
	maxCommandLen = 200
)

// Event is one recorded policy decision. Immutable once appended.
type Event struct {
	Timestamp       time.Time `json:"timestamp"`
	Kind            string    `json:"kind"`
	Command         string    `json:"command"`
	Workbranch      string    `json:"workbranch"`
	Reason          string    `json:"reason"`
	Severity        string    `json:"severity"`
	ConnectionID    string    `json:"connection_id,omitempty"`
	CallerSessionID string    `json:"caller_session_id,omitempty"`
}

// Stats aggregates the current log contents.
type Stats struct {
	Total           int            `json:"total"`
	ByKind          map[string]int `json:"by_kind"`
	BySeverity      map[string]int `json:"by_severity"`
	TopCommands     []Offender     `json:"top_commands"`
	TopWorkbranches []Offender     `json:"top_workbranches"`
}

// Offender is a (value, count) pair in the stats top-N lists.
type Offender struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Log is the append-only audit log. When an append would push the log past
// maxEntries it synchronously drops the oldest half, keeping the most recent
// compactTo entries. This is a deliberate lossy compaction: worst-case memory
// stays bounded while recent history stays dense.
type Log struct {
	mu      sync.Mutex
	entries []Event
	nowFn   func() time.Time // injectable clock for testing
}

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{nowFn: time.Now}
}

// Append records an event. The command text is truncated to 200 characters
// and the timestamp is stamped here if the caller left it zero.
func (l *Log) Append(e Event) {
	e.Command = logutil.Truncate(e.Command, maxCommandLen)

	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFn()
	}
	l.entries = append(l.entries, e)
	if len(l.entries) > maxEntries {
		kept := make([]Event, compactTo)
		copy(kept, l.entries[len(l.entries)-compactTo:])
		l.entries = kept
	}
	l.mu.Unlock()

	log.Printf("[audit] %s workbranch=%s severity=%s reason=%s cmd=%q",
		e.Kind,
		logutil.SanitizeForLog(e.Workbranch),
		e.Severity,
		logutil.SanitizeForLog(e.Reason),
		logutil.SanitizeForLog(e.Command),
	)
}

// Recent returns the last n events, oldest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Event, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Len returns the current number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes all events.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Stats computes aggregates over the retained events by full scan. The log
// never holds more than maxEntries, so a scan per call is fine.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Total:      len(l.entries),
		ByKind:     map[string]int{},
		BySeverity: map[string]int{},
	}
	cmdCounts := map[string]int{}
	wbCounts := map[string]int{}
	for _, e := range l.entries {
		s.ByKind[e.Kind]++
		s.BySeverity[e.Severity]++
		cmdCounts[logutil.Truncate(e.Command, 50)]++
		wbCounts[e.Workbranch]++
	}
	s.TopCommands = topN(cmdCounts, 5)
	s.TopWorkbranches = topN(wbCounts, 5)
	return s
}

// SetNowFunc sets the clock used for timestamps. Test hook.
func (l *Log) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	l.nowFn = fn
	l.mu.Unlock()
}

func topN(counts map[string]int, n int) []Offender {
	out := make([]Offender, 0, len(counts))
	for v, c := range counts {
		out = append(out, Offender{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
