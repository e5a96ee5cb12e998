// Package registry owns the collection of live terminal sessions. It
// enforces the capacity limit, workbranch id validation, and shell
// availability, keeps the workbranch and connection indices consistent with
// the primary map under a single lock, and runs the periodic sweep that
// reclaims idle and dead sessions.
package registry

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GGPrompts/termhub/internal/logutil"
	"github.com/GGPrompts/termhub/internal/term"
)

// Distinguishable creation failures. The wire reason strings are fixed by
// the protocol.
var (
	ErrCapacity          = errors.New("capacity")
	ErrInvalidWorkbranch = errors.New("invalid-partition-key")
	ErrShellUnavailable  = errors.New("shell-unavailable")
	ErrNotFound          = errors.New("not-found")
)

// CreateFailureReason maps a CreateSession error to its wire reason string.
func CreateFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrInvalidWorkbranch):
		return "invalid-partition-key"
	case errors.Is(err, ErrShellUnavailable):
		return "shell-unavailable"
	default:
		return "spawn-failure"
	}
}

// workbranchPattern is the accepted workbranch id shape.
var workbranchPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,99}$`)

// reservedWorkbranches are ids that must not be claimed as workbranches:
// service-meaningful names plus the Windows reserved device names.
var reservedWorkbranches = map[string]bool{
	"admin": true, "api": true, "root": true, "system": true, "null": true,
	"undefined": true, "default": true, "workbranches": true,
	"con": true, "prn": true, "aux": true, "nul": true,
}

// ValidateWorkbranch checks the id shape and the reserved set.
func ValidateWorkbranch(id string) error {
	if !workbranchPattern.MatchString(id) {
		return fmt.Errorf("%w: id must match [A-Za-z0-9_-]{1,99}", ErrInvalidWorkbranch)
	}
	if reservedWorkbranches[id] {
		return fmt.Errorf("%w: id %q is reserved", ErrInvalidWorkbranch, id)
	}
	return nil
}

// Config bounds the registry.
type Config struct {
	MaxSessions   int
	WorkspaceRoot string
	IdleTimeout   time.Duration
	OutputBufCap  int
	KillGrace     time.Duration
}

// CreateParams are the caller-supplied session parameters.
type CreateParams struct {
	Workbranch   string
	Shell        term.ShellKind
	WorkingDir   string // optional override, must stay inside the workspace root
	Title        string
	Env          []string
	Cols, Rows   uint16
	ConnectionID string
}

// Registry is the exclusive owner of all sessions. The primary map and both
// secondary indices are only ever mutated together under mu, which keeps
// them consistent as a unit.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*term.Session            // id → session (owning)
	byWorkbranch map[string]map[string]struct{}      // workbranch → ids
	byConn       map[string]map[string]struct{}      // connection id → ids

	cfg     Config
	spawner term.Spawner
	nowFn   func() time.Time
}

// New creates an empty registry backed by the given spawner.
func New(cfg Config, spawner term.Spawner) *Registry {
	return &Registry{
		sessions:     make(map[string]*term.Session),
		byWorkbranch: make(map[string]map[string]struct{}),
		byConn:       make(map[string]map[string]struct{}),
		cfg:          cfg,
		spawner:      spawner,
		nowFn:        time.Now,
	}
}

// CreateSession validates, spawns, registers, and wires the exit handler, in
// that order. Each failure mode surfaces as a distinct error: capacity,
// invalid workbranch, shell unavailable, or spawn failure.
func (r *Registry) CreateSession(p CreateParams) (*term.Session, error) {
	if err := ValidateWorkbranch(p.Workbranch); err != nil {
		return nil, err
	}
	if !term.ValidShellKind(p.Shell) || !r.spawner.ShellAvailable(p.Shell) {
		return nil, fmt.Errorf("%w: %s", ErrShellUnavailable, p.Shell)
	}

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: limit of %d sessions reached", ErrCapacity, r.cfg.MaxSessions)
	}
	r.mu.Unlock()

	workDir, err := r.resolveWorkDir(p.Workbranch, p.WorkingDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	cols, rows := p.Cols, p.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	s, err := term.Start(term.Options{
		ID:         uuid.New().String(),
		Workbranch: p.Workbranch,
		Shell:      p.Shell,
		WorkingDir: workDir,
		Title:      p.Title,
		Env:        p.Env,
		Cols:       cols,
		Rows:       rows,
		BufferCap:  r.cfg.OutputBufCap,
		KillGrace:  r.cfg.KillGrace,
	}, r.spawner)
	if err != nil {
		return nil, err
	}
	s.BindConnection(p.ConnectionID)

	r.mu.Lock()
	// Re-check capacity: another create may have won the race during spawn.
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		s.Destroy()
		return nil, fmt.Errorf("%w: limit of %d sessions reached", ErrCapacity, r.cfg.MaxSessions)
	}
	r.sessions[s.ID] = s
	r.indexAdd(r.byWorkbranch, p.Workbranch, s.ID)
	if p.ConnectionID != "" {
		r.indexAdd(r.byConn, p.ConnectionID, s.ID)
	}
	r.mu.Unlock()

	// Registry's own exit handler: reclaim the slot once the process ends.
	go func() {
		<-s.Done()
		r.remove(s.ID)
	}()

	log.Printf("[registry] created session %s workbranch=%s shell=%s dir=%s",
		s.ID, logutil.SanitizeForLog(p.Workbranch), p.Shell, workDir)
	return s, nil
}

// resolveWorkDir returns the session working directory: the workbranch
// subdirectory by default, or a caller override that must resolve inside the
// workspace root.
func (r *Registry) resolveWorkDir(workbranch, override string) (string, error) {
	branchDir := filepath.Join(r.cfg.WorkspaceRoot, "workbranches", workbranch)
	if override == "" {
		return branchDir, nil
	}
	dir := override
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.cfg.WorkspaceRoot, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(r.cfg.WorkspaceRoot, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: working directory outside workspace root", ErrInvalidWorkbranch)
	}
	return dir, nil
}

// Get returns the session by id, or nil.
func (r *Registry) Get(id string) *term.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// ByWorkbranch returns all sessions for a workbranch.
func (r *Registry) ByWorkbranch(workbranch string) []*term.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(r.byWorkbranch[workbranch])
}

// ByConnection returns all sessions created by a connection.
func (r *Registry) ByConnection(connID string) []*term.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(r.byConn[connID])
}

// All returns every registered session.
func (r *Registry) All() []*term.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*term.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// DestroySession removes the session from the registry and indices first,
// then tears it down. A stuck process never keeps a registry slot alive.
func (r *Registry) DestroySession(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	r.removeLocked(id, s)
	r.mu.Unlock()

	s.Destroy()
	log.Printf("[registry] destroyed session %s", id)
	return nil
}

// DestroyByWorkbranch destroys every session in a workbranch. Individual
// failures are collected; the batch always attempts all sessions.
func (r *Registry) DestroyByWorkbranch(workbranch string) []error {
	return r.destroyBatch(r.ByWorkbranch(workbranch))
}

// DestroyAll destroys every session.
func (r *Registry) DestroyAll() []error {
	return r.destroyBatch(r.All())
}

func (r *Registry) destroyBatch(sessions []*term.Session) []error {
	var errs []error
	for _, s := range sessions {
		if err := r.DestroySession(s.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// HandleConnectionClosed unbinds (not destroys) all sessions owned by the
// connection. Sessions outlive a disconnect so a client can reconnect and
// resume; only the idle sweep, explicit destroy, or process exit removes
// them.
func (r *Registry) HandleConnectionClosed(connID string) {
	r.mu.Lock()
	ids := r.byConn[connID]
	delete(r.byConn, connID)
	var unbound []*term.Session
	for id := range ids {
		if s, ok := r.sessions[id]; ok {
			unbound = append(unbound, s)
		}
	}
	r.mu.Unlock()

	for _, s := range unbound {
		s.UnbindConnection()
		s.SetListener(nil)
	}
	if len(unbound) > 0 {
		log.Printf("[registry] connection %s closed, unbound %d sessions", connID, len(unbound))
	}
}

// BindConnection reassigns session ownership to connID, updating the
// connection index in the same locked step. Returns false when the session
// is unknown.
func (r *Registry) BindConnection(id, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if old := s.OwnerConnection(); old != "" {
		r.indexDel(r.byConn, old, id)
	}
	s.BindConnection(connID)
	if connID != "" {
		r.indexAdd(r.byConn, connID, id)
	}
	return true
}

// Sweep makes a single pass over all sessions: terminal-state sessions are
// destroyed immediately, running sessions idle past the timeout are
// destroyed. Sessions mutated mid-sweep are caught on the next cycle.
func (r *Registry) Sweep() int {
	cutoff := r.nowFn().Add(-r.cfg.IdleTimeout)

	var victims []*term.Session
	for _, s := range r.All() {
		switch s.Status() {
		case term.StatusTerminated, term.StatusError:
			victims = append(victims, s)
		case term.StatusRunning:
			if r.cfg.IdleTimeout > 0 && s.LastActivity().Before(cutoff) {
				victims = append(victims, s)
			}
		}
	}

	for _, s := range victims {
		// Idle-timeout destruction is a normal lifecycle event, logged but
		// never surfaced to the client as an error.
		log.Printf("[registry] sweep reclaiming session %s (status=%s, idle since %s)",
			s.ID, s.Status(), s.LastActivity().Format(time.RFC3339))
		_ = r.DestroySession(s.ID)
	}
	return len(victims)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountsByStatus returns session counts keyed by lifecycle state.
func (r *Registry) CountsByStatus() map[term.Status]int {
	counts := make(map[term.Status]int)
	for _, s := range r.All() {
		counts[s.Status()]++
	}
	return counts
}

// SetNowFunc overrides the sweep clock. Test hook.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	r.nowFn = fn
	r.mu.Unlock()
}

// remove deletes a session from the primary map and both indices.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.removeLocked(id, s)
	}
	r.mu.Unlock()
}

func (r *Registry) removeLocked(id string, s *term.Session) {
	delete(r.sessions, id)
	r.indexDel(r.byWorkbranch, s.Workbranch, id)
	if conn := s.OwnerConnection(); conn != "" {
		r.indexDel(r.byConn, conn, id)
	}
}

func (r *Registry) indexAdd(idx map[string]map[string]struct{}, key, id string) {
	set := idx[key]
	if set == nil {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) indexDel(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (r *Registry) collect(ids map[string]struct{}) []*term.Session {
	out := make([]*term.Session, 0, len(ids))
	for id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}
