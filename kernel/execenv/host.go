package execenv

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

const hostRunnerType = TypeHost

type hostFactory struct{}

func (hostFactory) Type() string { return hostRunnerType }

func (hostFactory) Build(cfg Config) (Runner, error) {
	return newHostRunner(cfg.Env), nil
}

type hostRunner struct {
	execCommand func(context.Context, string, ...string) *exec.Cmd
	env         []string
	now         func() time.Time
}

// NewHostRunner returns a Runner that starts commands as local processes.
func NewHostRunner(env ...string) Runner {
	return newHostRunner(env)
}

func newHostRunner(env []string) *hostRunner {
	return &hostRunner{
		execCommand: exec.CommandContext,
		env:         append([]string(nil), env...),
		now:         time.Now,
	}
}

func (h *hostRunner) Run(ctx context.Context, req Command) (Result, error) {
	if req.Name == "" {
		return Result{}, NewCodedError(ErrorCodeSandboxStart, "execenv: empty command")
	}
	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := h.execCommand(runCtx, req.Name, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), defaultEnv()...)
	cmd.Env = append(cmd.Env, h.env...)
	cmd.Env = append(cmd.Env, req.Env...)

	watch := watchProcess(cmd)

	started := h.now()
	if err := cmd.Start(); err != nil {
		return Result{}, WrapCodedError(ErrorCodeSandboxStart, err, "execenv: start %q", req.Name)
	}
	err := watch.wait(runCtx, req.IdleTimeout)
	stdout, stderr := watch.output()
	result := Result{
		Stdout:  stdout,
		Stderr:  stderr,
		Elapsed: h.now().Sub(started),
	}
	if err == nil {
		return result, nil
	}
	result.ExitCode = resolveExitCode(err)
	return result, classifyWaitError(runCtx, req, err, "execenv: "+req.Name)
}

// classifyWaitError turns a Wait failure into nil (plain non-zero exit) or
// a coded timeout/cancel error.
func classifyWaitError(runCtx context.Context, req Command, err error, label string) error {
	switch {
	case errors.Is(err, errIdleTimeout):
		return NewCodedError(ErrorCodeIdleTimeout, "%s produced no output for %s and was terminated", label, req.IdleTimeout)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		limit := "context deadline"
		if req.Timeout > 0 {
			limit = req.Timeout.String()
		}
		return WrapCodedError(ErrorCodeCommandTimeout, err, "%s timed out after %s", label, limit)
	case errors.Is(runCtx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return WrapCodedError(ErrorCodeCommandCanceled, err, "%s canceled", label)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return WrapCodedError(ErrorCodeSandboxStart, err, "%s wait failed", label)
}

func resolveExitCode(err error) int {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	return exitErr.ExitCode()
}

func init() {
	if err := RegisterFactory(hostFactory{}); err != nil {
		panic(err)
	}
}
