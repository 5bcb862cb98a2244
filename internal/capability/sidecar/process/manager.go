package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Config holds configuration for starting a helper process.
type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string
}

// Manager owns one helper process and its stdio pipes. The process is not
// bound to any request context: it lives until Stop or Kill.
type Manager struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Start launches the helper with piped stdio. The environment is the parent
// environment plus cfg.Environment.
func Start(cfg Config) (*Manager, error) {
	if cfg.Command == "" {
		return nil, errors.New("process: empty command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = append(os.Environ(), envList(cfg.Environment)...)
	// Own process group so a browser spawned by the helper dies with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	m := &Manager{cmd: cmd, done: make(chan struct{})}
	var opened []io.Closer
	fail := func(what string, err error) (*Manager, error) {
		for _, c := range opened {
			_ = c.Close()
		}
		return nil, fmt.Errorf("process %s: %s: %w", cfg.Command, what, err)
	}

	var err error
	if m.stdin, err = cmd.StdinPipe(); err != nil {
		return fail("stdin pipe", err)
	}
	opened = append(opened, m.stdin)
	if m.stdout, err = cmd.StdoutPipe(); err != nil {
		return fail("stdout pipe", err)
	}
	opened = append(opened, m.stdout)
	if m.stderr, err = cmd.StderrPipe(); err != nil {
		return fail("stderr pipe", err)
	}
	opened = append(opened, m.stderr)

	if err := cmd.Start(); err != nil {
		return fail("start", err)
	}
	return m, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (m *Manager) Stdin() io.WriteCloser { return m.stdin }
func (m *Manager) Stdout() io.ReadCloser { return m.stdout }
func (m *Manager) Stderr() io.ReadCloser { return m.stderr }
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) Pid() int {
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Wait reaps the process. Call it after stdout has been drained; it is safe
// to call more than once.
func (m *Manager) Wait() error {
	m.waitOnce.Do(func() {
		m.waitErr = m.cmd.Wait()
		close(m.done)
	})
	return m.waitErr
}

// Stop closes stdin, sends SIGTERM to the process group and escalates to
// SIGKILL when the process has not exited within timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	_ = m.stdin.Close()

	if err := m.signal(syscall.SIGTERM); err != nil {
		// already gone
		go func() { _ = m.Wait() }()
		return nil
	}

	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
	}

	return m.Kill()
}

// Kill immediately terminates the process group.
func (m *Manager) Kill() error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	err := m.signal(syscall.SIGKILL)
	go func() { _ = m.Wait() }()
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (m *Manager) signal(sig syscall.Signal) error {
	if err := syscall.Kill(-m.cmd.Process.Pid, sig); err == nil {
		return nil
	}
	return m.cmd.Process.Signal(sig)
}
