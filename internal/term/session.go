// Package term owns one spawned shell process per Session: its lifecycle
// state machine, dimensions, activity tracking, bounded output buffer, and
// the single registered output/exit listener pair. Sessions perform no
// command validation; that is the policy engine's job.
package term

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"
)

// Status is the session lifecycle state. The transition graph is
// initializing → running → {terminated, error}; terminal states are
// absorbing.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusTerminated   Status = "terminated"
	StatusError        Status = "error"
)

// Terminal dimension bounds.
const (
	MinDim = 1
	MaxDim = 1000
)

// DefaultKillGrace is how long Kill waits for the process to actually exit
// before treating the session as terminated regardless.
const DefaultKillGrace = 5 * time.Second

// Listener is the at-most-one output/exit callback pair. OnOutput receives
// chunks in stream order; OnExit fires once, after all output produced
// before the exit has been delivered.
type Listener struct {
	OnOutput func(data []byte)
	OnExit   func(exitCode int)
}

// Options configures a new session.
type Options struct {
	ID         string
	Workbranch string
	Shell      ShellKind
	WorkingDir string
	Title      string
	Env        []string
	Cols       uint16
	Rows       uint16
	BufferCap  int
	KillGrace  time.Duration
}

// Session is one live process-backed shell. It is exclusively owned by the
// registry; other components hold it only for the duration of one request.
type Session struct {
	ID         string
	Workbranch string
	Shell      ShellKind
	WorkingDir string
	Title      string
	CreatedAt  time.Time

	mu           sync.Mutex
	status       Status
	cols, rows   uint16
	lastActivity time.Time
	ownerConn    string
	listener     *Listener
	handle       Handle
	exitCode     int
	totalOutput  uint64
	commands     uint64

	buffer    *OutputBuffer
	killGrace time.Duration
	done      chan struct{} // closed when the session reaches a terminal state
	nowFn     func() time.Time
}

// Start spawns the process and returns a running session. On spawn failure
// the session is never registered anywhere; the error carries the cause.
func Start(opts Options, spawner Spawner) (*Session, error) {
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	now := time.Now()
	s := &Session{
		ID:           opts.ID,
		Workbranch:   opts.Workbranch,
		Shell:        opts.Shell,
		WorkingDir:   opts.WorkingDir,
		Title:        opts.Title,
		CreatedAt:    now,
		status:       StatusInitializing,
		cols:         opts.Cols,
		rows:         opts.Rows,
		lastActivity: now,
		buffer:       NewOutputBuffer(opts.BufferCap),
		killGrace:    opts.KillGrace,
		done:         make(chan struct{}),
		nowFn:        time.Now,
	}

	handle, err := spawner.Spawn(SpawnRequest{
		Shell:      opts.Shell,
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
		Cols:       opts.Cols,
		Rows:       opts.Rows,
	})
	if err != nil {
		s.mu.Lock()
		s.status = StatusError
		s.mu.Unlock()
		close(s.done)
		return nil, fmt.Errorf("spawn %s: %w", opts.Shell, err)
	}

	s.mu.Lock()
	s.handle = handle
	s.status = StatusRunning
	s.mu.Unlock()

	go s.relayOutput(handle)
	return s, nil
}

// relayOutput drains the process output stream for the session's lifetime.
// All chunks are delivered before the exit notification, on this single
// goroutine, which is what gives the ordering guarantee.
func (s *Session) relayOutput(handle Handle) {
	buf := make([]byte, 32*1024)
	r := handle.Output()
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.deliverOutput(chunk)
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := handle.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.finish(StatusTerminated, code)
}

func (s *Session) deliverOutput(chunk []byte) {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.buffer.Append(chunk)
	s.totalOutput += uint64(len(chunk))
	s.lastActivity = s.nowFn()
	l := s.listener
	s.mu.Unlock()

	if l != nil && l.OnOutput != nil {
		l.OnOutput(chunk)
	}
}

// finish moves the session to a terminal state exactly once and fires the
// exit callback.
func (s *Session) finish(status Status, exitCode int) {
	s.mu.Lock()
	if s.status == StatusTerminated || s.status == StatusError {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.exitCode = exitCode
	s.lastActivity = s.nowFn()
	l := s.listener
	s.mu.Unlock()

	close(s.done)
	if l != nil && l.OnExit != nil {
		l.OnExit(exitCode)
	}
}

// Fail records an asynchronous post-spawn fault reported by the process
// layer. The session moves to the error state.
func (s *Session) Fail(err error) {
	log.Printf("[session] %s failed: %v", s.ID, err)
	s.finish(StatusError, -1)
}

// Write forwards raw bytes to the process. Returns false when the session is
// not running; that is an expected race, not a fault.
func (s *Session) Write(p []byte) bool {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return false
	}
	h := s.handle
	s.lastActivity = s.nowFn()
	s.mu.Unlock()

	if _, err := h.Write(p); err != nil {
		return false
	}
	return true
}

// ExecuteCommand writes text plus the shell's line terminator and bumps the
// command counter. Callers are expected to have passed policy evaluation
// already.
func (s *Session) ExecuteCommand(text string) bool {
	term := "\n"
	if s.Shell == ShellPowershell || s.Shell == ShellCmd {
		term = "\r\n"
	}
	if !s.Write([]byte(text + term)) {
		return false
	}
	s.mu.Lock()
	s.commands++
	s.mu.Unlock()
	return true
}

// Resize validates the bounds before forwarding. Out-of-range dimensions are
// rejected and the previous dimensions stay in place.
func (s *Session) Resize(cols, rows uint16) bool {
	if cols < MinDim || cols > MaxDim || rows < MinDim || rows > MaxDim {
		return false
	}
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return false
	}
	h := s.handle
	s.mu.Unlock()

	if err := h.Resize(cols, rows); err != nil {
		return false
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.lastActivity = s.nowFn()
	s.mu.Unlock()
	return true
}

// Kill signals the process and waits up to the grace period for it to exit.
// Idempotent: returns true immediately when already terminated. A process
// that outlives the grace period is treated as terminated anyway so the
// registry never hangs on it.
func (s *Session) Kill() bool {
	s.mu.Lock()
	if s.status == StatusTerminated || s.status == StatusError {
		s.mu.Unlock()
		return true
	}
	h := s.handle
	s.mu.Unlock()

	if h != nil {
		if err := h.Signal(); err != nil {
			log.Printf("[session] %s kill signal: %v", s.ID, err)
		}
	}

	select {
	case <-s.done:
	case <-time.After(s.killGrace):
		log.Printf("[session] %s did not exit within %s, marking terminated", s.ID, s.killGrace)
		s.finish(StatusTerminated, -1)
	}
	return true
}

// Destroy tears the session down: the listener is cleared first so no
// callback fires after destroy begins, then the process is killed and the
// buffer released.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()

	s.Kill()
	s.buffer.Clear()
}

// SetListener installs the output/exit callback pair, replacing (not
// stacking) any previous registration.
func (s *Session) SetListener(l *Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Done returns a channel closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Dimensions returns the current terminal size.
func (s *Session) Dimensions() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// LastActivity returns the time of the last write, output, or resize.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ExitCode returns the recorded exit code; meaningful only once terminated.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Counters returns the monotonic diagnostics counters.
func (s *Session) Counters() (totalOutputBytes, commandCount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalOutput, s.commands
}

// OutputSnapshot returns a copy of the buffered output.
func (s *Session) OutputSnapshot() []byte { return s.buffer.Snapshot() }

// BufferLen returns the buffered output length.
func (s *Session) BufferLen() int { return s.buffer.Len() }

// BindConnection records the owning transport connection id.
func (s *Session) BindConnection(connID string) {
	s.mu.Lock()
	s.ownerConn = connID
	s.mu.Unlock()
}

// UnbindConnection clears the owner without destroying the session, so a
// client can reconnect and resume.
func (s *Session) UnbindConnection() {
	s.mu.Lock()
	s.ownerConn = ""
	s.mu.Unlock()
}

// OwnerConnection returns the owning connection id, "" when unbound.
func (s *Session) OwnerConnection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerConn
}

// SetNowFunc overrides the activity clock. Test hook.
func (s *Session) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}
