package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitStatus describes how a reaped child terminated.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return "killed by signal " + SignalName(s.Signal)
	}
	return fmt.Sprintf("exited with code %d", s.Code)
}

// Reason is the metrics label for the status.
func (s ExitStatus) Reason() string {
	if s.Signaled {
		return "signaled"
	}
	return "exited"
}

// SignalName returns the conventional name of sig, e.g. "SIGINT".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// Platform spawns, reaps and signals child processes.
type Platform interface {
	// Spawn starts a process described by spec and returns its pid.
	Spawn(spec LaunchSpec) (int, error)

	// Wait blocks until any child terminates.
	Wait() (int, ExitStatus, error)

	// SignalGroup delivers sig to the process group led by pid.
	SignalGroup(pid int, sig syscall.Signal) error
}

// UnixPlatform implements Platform with fork/exec, wait4 and kill.
type UnixPlatform struct {
	mu    sync.Mutex
	reset map[os.Signal]bool
	sink  chan os.Signal
}

func NewUnixPlatform() *UnixPlatform {
	return &UnixPlatform{
		reset: make(map[os.Signal]bool),
		sink:  make(chan os.Signal, 1),
	}
}

// resetInChildren makes sure every signal in sigs is handled by the runtime,
// which restores handled signals to SIG_DFL in a forked child. This holds even
// when the parent inherited them as ignored. Registrations accumulate over the
// platform's lifetime and are never stopped, since stopping would let an
// inherited SIG_IGN leak into later children.
func (p *UnixPlatform) resetInChildren(sigs []os.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var missing []os.Signal
	for _, sig := range sigs {
		if !p.reset[sig] {
			p.reset[sig] = true
			missing = append(missing, sig)
		}
	}
	if len(missing) > 0 {
		signal.Notify(p.sink, missing...)
	}
}

func (p *UnixPlatform) Spawn(spec LaunchSpec) (int, error) {
	p.resetInChildren(spec.ResetSignals)

	logFile, err := os.OpenFile(spec.LogPath, spec.LogFlags, spec.LogPerm)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	var stdin *os.File
	if !spec.CloseStdin {
		stdin = os.Stdin
	}

	proc, err := os.StartProcess(spec.Path, append([]string{spec.Path}, spec.Args...), &os.ProcAttr{
		Dir:   spec.Dir,
		Env:   spec.Env,
		Files: []*os.File{stdin, logFile, logFile},
		Sys:   &syscall.SysProcAttr{Setpgid: spec.NewProcessGroup},
	})
	if err != nil {
		return 0, err
	}

	pid := proc.Pid
	// Reaping happens through Wait, not the os.Process handle.
	proc.Release()
	return pid, nil
}

func (p *UnixPlatform) Wait() (int, ExitStatus, error) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, ExitStatus{}, err
		}

		if ws.Signaled() {
			return pid, ExitStatus{Signaled: true, Signal: ws.Signal()}, nil
		}
		return pid, ExitStatus{Code: ws.ExitStatus()}, nil
	}
}

func (p *UnixPlatform) SignalGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}
