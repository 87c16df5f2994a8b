package execenv

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var errIdleTimeout = errors.New("process idle timeout exceeded")

const (
	idlePollInterval = 250 * time.Millisecond
	// maxCapturedOutput bounds what is kept of each stream. The toolchain
	// writes its real diagnostics to log files in the workspace.
	maxCapturedOutput = 1 << 20
)

// processWatch captures a child's output and tracks when it last wrote
// anything so a silent process can be killed.
type processWatch struct {
	cmd *exec.Cmd

	mu           sync.Mutex
	stdout       bytes.Buffer
	stderr       bytes.Buffer
	lastActivity time.Time
}

// watchProcess prepares cmd to run in its own process group with both
// streams captured. It must be called before cmd.Start.
func watchProcess(cmd *exec.Cmd) *processWatch {
	w := &processWatch{cmd: cmd, lastActivity: time.Now()}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.Stdout = streamWriter{watch: w, buf: &w.stdout}
	cmd.Stderr = streamWriter{watch: w, buf: &w.stderr}
	return w
}

type streamWriter struct {
	watch *processWatch
	buf   *bytes.Buffer
}

func (s streamWriter) Write(p []byte) (int, error) {
	s.watch.mu.Lock()
	defer s.watch.mu.Unlock()
	s.watch.lastActivity = time.Now()
	if room := maxCapturedOutput - s.buf.Len(); room > 0 {
		if len(p) > room {
			s.buf.Write(p[:room])
		} else {
			s.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *processWatch) output() (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stdout.String(), w.stderr.String()
}

func (w *processWatch) idleFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastActivity)
}

// wait blocks until the process exits, ctx ends or the process stays
// silent for longer than idleTimeout. Zero disables the idle check.
func (w *processWatch) wait(ctx context.Context, idleTimeout time.Duration) error {
	exited := make(chan error, 1)
	go func() { exited <- w.cmd.Wait() }()

	var poll <-chan time.Time
	if idleTimeout > 0 {
		ticker := time.NewTicker(idlePollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}
	for {
		select {
		case err := <-exited:
			return err
		case <-ctx.Done():
			_ = killProcessGroup(w.cmd)
			<-exited
			return ctx.Err()
		case <-poll:
			if w.idleFor() > idleTimeout {
				_ = killProcessGroup(w.cmd)
				<-exited
				return errIdleTimeout
			}
		}
	}
}

// killProcessGroup also takes down children the toolchain spawned, which
// would otherwise keep the output pipes open.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}
