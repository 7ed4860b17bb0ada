// Package proc is the Process Primitive: a fork/exec wrapper that applies
// per-child uid/gid/umask, replaces the image with the configured command,
// and hands the caller a PID plus a one-shot exit-wait handle.
//
// A single reaper goroutine owns all SIGCHLD handling and dispatches each
// child's raw wait status to its Handle by PID, so callers never call
// wait() directly.
package proc

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Spec describes a single process to launch.
type Spec struct {
	// Argv is the argv form of the command. If set, it takes precedence
	// over Shell.
	Argv []string
	// Shell is a shell-style command string, run as `/bin/sh -c Shell`.
	Shell string

	Uid   *uint32
	Gid   *uint32
	Umask *int // e.g. 0o022; nil means "don't change"
}

// ExitStatus is the result of a terminated child, decoded from the raw
// wait status.
type ExitStatus struct {
	Code     int // 8-bit exit code, or 128+signal if signaled
	Signaled bool
}

// Handle is a live (or just-exited) child process.
type Handle struct {
	pid  int
	exit chan ExitStatus
}

// PID returns the process's PID. It remains valid after exit for
// bookkeeping purposes; callers should stop using it once Wait() delivers.
func (h *Handle) PID() int { return h.pid }

// Wait returns a channel that receives exactly one ExitStatus when the
// process terminates.
func (h *Handle) Wait() <-chan ExitStatus { return h.exit }

var (
	reaperOnce sync.Once
	reaperMu   sync.Mutex
	waiting    = map[int]*Handle{}
)

func startReaper() {
	reaperOnce.Do(func() {
		sigChld := make(chan os.Signal, 32)
		signal.Notify(sigChld, syscall.SIGCHLD)
		go func() {
			for range sigChld {
				reap()
			}
		}()
	})
}

// reap drains every exited child currently reapable and delivers its
// status to the matching Handle. It loops until Wait4 reports no more
// zombies, since SIGCHLD coalesces multiple exits into one delivery.
func reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}

		reaperMu.Lock()
		h, ok := waiting[pid]
		if ok {
			delete(waiting, pid)
		}
		reaperMu.Unlock()
		if !ok {
			continue
		}

		status := ExitStatus{}
		switch {
		case ws.Exited():
			status.Code = ws.ExitStatus()
		case ws.Signaled():
			status.Signaled = true
			status.Code = 128 + int(ws.Signal())
		}
		h.exit <- status
		close(h.exit)
	}
}

// Spawn forks and execs the process described by spec, applying gid then
// uid (in that order, so the process still has permission to drop gid
// before losing privilege with setuid) and umask before the image is
// replaced. The child is placed in its own process group so signals and
// broadcasts can target the whole group.
func Spawn(spec Spec) (*Handle, error) {
	startReaper()

	var cmd *exec.Cmd
	switch {
	case len(spec.Argv) > 0:
		cmd = exec.Command(spec.Argv[0], spec.Argv[1:]...)
	case spec.Shell != "":
		cmd = exec.Command("/bin/sh", "-c", spec.Shell)
	default:
		return nil, fmt.Errorf("proc: spawn: no command specified")
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = nil

	attr := &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	if spec.Uid != nil || spec.Gid != nil {
		cred := &syscall.Credential{}
		if spec.Gid != nil {
			cred.Gid = *spec.Gid
		}
		if spec.Uid != nil {
			cred.Uid = *spec.Uid
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	// reaperMu serializes the whole spawn. It keeps the process-wide umask
	// swap below from interleaving with another child's concurrent spawn,
	// and it keeps a child that exits instantly from being reaped before
	// its Handle is registered and discarded as "unknown pid" (fatal for
	// the `start_delay=0, /bin/false`-style fast-crash case).
	reaperMu.Lock()

	var prevUmask int
	umaskChanged := false
	if spec.Umask != nil {
		// exec.Cmd exposes no pre-exec hook for the child, so the umask is
		// applied process-wide around Start and restored immediately after:
		// Start() returns once fork has happened, so the window where the
		// parent's umask is altered is bounded to the fork call itself.
		prevUmask = unix.Umask(*spec.Umask)
		umaskChanged = true
	}

	startErr := cmd.Start()

	if umaskChanged {
		unix.Umask(prevUmask)
	}

	if startErr != nil {
		reaperMu.Unlock()
		return nil, fmt.Errorf("proc: fork failed: %w", startErr)
	}

	h := &Handle{
		pid:  cmd.Process.Pid,
		exit: make(chan ExitStatus, 1),
	}
	waiting[h.pid] = h
	reaperMu.Unlock()

	return h, nil
}

// Signal sends sig to the process group led by pid (negative pid), so
// every descendant of the child receives it too.
func Signal(pid int, sig syscall.Signal) error {
	if pid == 0 {
		return fmt.Errorf("proc: signal: no pid")
	}
	return unix.Kill(-pid, sig)
}
