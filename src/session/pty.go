package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"sctl/src/apierr"
)

// SpawnOptions configures a new PTY Process.
type SpawnOptions struct {
	Shell      string
	Command    string // initial command; empty spawns a login shell
	Env        map[string]string
	WorkingDir string
	Rows, Cols uint16
	PTY        bool
}

// Process owns one child process and, when PTY is true, its
// pseudoterminal master side.
type Process struct {
	pty bool
	cmd *exec.Cmd
	pid int

	ptmx *os.File // PTY mode

	stdin      io.WriteCloser // non-PTY mode
	stdoutPipe io.ReadCloser  // non-PTY mode
	stderrPipe io.ReadCloser  // non-PTY mode

	mu       sync.Mutex
	closed   bool
	doneCh   chan struct{}
	exitCode *int // nil if signal-terminated
}

// Spawn starts the child under a PTY or plain pipes, in its own
// process group.
func Spawn(opts SpawnOptions) (*Process, error) {
	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	var argv []string
	if opts.Command != "" {
		argv = []string{shell, "-l", "-c", opts.Command}
	} else {
		argv = []string{shell, "-l"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Env = buildEnv(opts.Env)

	p := &Process{pty: opts.PTY, cmd: cmd, doneCh: make(chan struct{})}

	if opts.PTY {
		// pty.StartWithSize starts the child with Setsid, which already
		// makes it the leader of a new process group; adding Setpgid
		// would make the setpgid call fail with EPERM.
		rows, cols := opts.Rows, opts.Cols
		if rows == 0 {
			rows = 24
		}
		if cols == 0 {
			cols = 80
		}
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		if err != nil {
			return nil, apierr.New(apierr.ExecFailed, err.Error())
		}
		p.ptmx = ptmx
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, apierr.New(apierr.ExecFailed, err.Error())
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, apierr.New(apierr.ExecFailed, err.Error())
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, apierr.New(apierr.ExecFailed, err.Error())
		}
		if err := cmd.Start(); err != nil {
			return nil, apierr.New(apierr.ExecFailed, err.Error())
		}
		p.stdin, p.stdoutPipe, p.stderrPipe = stdin, stdout, stderr
	}

	p.pid = cmd.Process.Pid
	go p.reap()
	return p, nil
}

// buildEnv overlays env on top of the daemon's own environment and
// forces TERM for proper terminal emulation, exactly as the PTY
// contract requires.
func buildEnv(overlay map[string]string) []string {
	overridden := make(map[string]bool, len(overlay))
	for k := range overlay {
		overridden[k] = true
	}

	system := os.Environ()
	final := make([]string, 0, len(system)+len(overlay)+1)
	for _, kv := range system {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				if !overridden[kv[:i]] {
					final = append(final, kv)
				}
				break
			}
		}
	}
	for k, v := range overlay {
		final = append(final, k+"="+v)
	}
	final = append(final, "TERM=xterm-256color")
	return final
}

// reap blocks until the child exits and records its status.
func (p *Process) reap() {
	err := p.cmd.Wait()
	code := p.cmd.ProcessState.ExitCode()

	p.mu.Lock()
	if code >= 0 {
		p.exitCode = &code
	}
	// code == -1 means signal-terminated; exitCode stays nil
	_ = err
	p.mu.Unlock()

	close(p.doneCh)
}

// PID returns the group-leader pid.
func (p *Process) PID() int { return p.pid }

// IsPTY reports whether this process owns a pseudoterminal.
func (p *Process) IsPTY() bool { return p.pty }

// Read reads from the PTY master. Only valid when IsPTY().
func (p *Process) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// StdoutPipe returns the non-PTY stdout stream.
func (p *Process) StdoutPipe() io.Reader { return p.stdoutPipe }

// StderrPipe returns the non-PTY stderr stream.
func (p *Process) StderrPipe() io.Reader { return p.stderrPipe }

// Write writes to the child's stdin (PTY master or the stdin pipe).
// A broken pipe is swallowed: the caller sees no error, and the
// reader goroutine will observe EOF/exit instead.
func (p *Process) Write(data []byte) (int, error) {
	var n int
	var err error
	if p.pty {
		n, err = p.ptmx.Write(data)
	} else {
		n, err = p.stdin.Write(data)
	}
	if err != nil {
		return len(data), nil
	}
	return n, nil
}

// Resize issues the winsize ioctl. Non-PTY sessions report not_pty.
func (p *Process) Resize(rows, cols uint16) error {
	if !p.pty {
		return apierr.New(apierr.NotPTY, "session is not PTY-backed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// SignalGroup sends signum to the process group. Signaling an
// already-dead group silently succeeds.
func (p *Process) SignalGroup(signum int) error {
	if err := syscall.Kill(-p.pid, syscall.Signal(signum)); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("signal group %d: %w", p.pid, err)
	}
	return nil
}

// Done returns a channel closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// ExitCode returns the recorded exit code, or nil if the child was
// terminated by a signal (or hasn't exited yet).
func (p *Process) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Close closes the master/pipes, sends SIGHUP then SIGKILL to the
// process group, and waits for the reap goroutine to finish.
func (p *Process) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.pty {
		_ = p.ptmx.Close()
	} else {
		_ = p.stdin.Close()
	}

	_ = p.SignalGroup(int(syscall.SIGHUP))
	_ = p.SignalGroup(int(syscall.SIGKILL))
	<-p.doneCh
}
