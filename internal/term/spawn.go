package term

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"
)

// ShellKind names one of the supported shells.
type ShellKind string

const (
	ShellBash       ShellKind = "bash"
	ShellZsh        ShellKind = "zsh"
	ShellPowershell ShellKind = "powershell"
	ShellCmd        ShellKind = "cmd"
)

// shellBinaries maps each shell kind to the executable looked up on PATH.
var shellBinaries = map[ShellKind]string{
	ShellBash:       "bash",
	ShellZsh:        "zsh",
	ShellPowershell: "pwsh",
	ShellCmd:        "cmd",
}

// ValidShellKind reports whether kind names a supported shell.
func ValidShellKind(kind ShellKind) bool {
	_, ok := shellBinaries[kind]
	return ok
}

// DefaultShellKind returns the platform default shell.
func DefaultShellKind() ShellKind {
	if runtime.GOOS == "windows" {
		return ShellPowershell
	}
	return ShellBash
}

// SpawnRequest describes the process to start.
type SpawnRequest struct {
	Shell      ShellKind
	WorkingDir string
	Env        []string // KEY=VALUE overrides appended to the inherited env
	Cols       uint16
	Rows       uint16
}

// Handle is the capability a spawned process exposes. Output is a stream the
// owner drains on its own goroutine; Wait blocks until the process exits.
type Handle interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Signal() error
	Pid() int
	Output() io.Reader
	Wait() error
}

// Spawner starts processes. The production implementation allocates a pty;
// tests substitute a fake.
type Spawner interface {
	Spawn(req SpawnRequest) (Handle, error)
	// ShellAvailable reports whether the binary for kind exists on this host.
	ShellAvailable(kind ShellKind) bool
}

// PtySpawner starts real shell processes bound to a pseudo-terminal.
type PtySpawner struct{}

func (PtySpawner) ShellAvailable(kind ShellKind) bool {
	bin, ok := shellBinaries[kind]
	if !ok {
		return false
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

func (PtySpawner) Spawn(req SpawnRequest) (Handle, error) {
	bin, ok := shellBinaries[req.Shell]
	if !ok {
		return nil, fmt.Errorf("unsupported shell %q", req.Shell)
	}

	cmd := exec.Command(bin)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), req.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: req.Cols, Rows: req.Rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	return &ptyHandle{cmd: cmd, ptmx: ptmx}, nil
}

type ptyHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	waitErr  error
}

func (h *ptyHandle) Write(p []byte) (int, error) {
	return h.ptmx.Write(p)
}

func (h *ptyHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *ptyHandle) Signal() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *ptyHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ptyHandle) Output() io.Reader {
	return h.ptmx
}

// Wait reaps the process and closes the pty. Safe to call more than once.
func (h *ptyHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		h.ptmx.Close()
	})
	return h.waitErr
}
