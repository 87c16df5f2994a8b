// Package execenv runs external toolchain commands either as local
// processes or inside a long-lived container.
package execenv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Backend types understood by New.
const (
	TypeHost   = "host"
	TypeDocker = "docker"
)

// Command is one argv-style invocation. Dir is a host path; container
// backends translate it into the container's view of the workspace.
type Command struct {
	Name        string
	Args        []string
	Dir         string
	Env         []string
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a command that was started. A non-zero
// ExitCode is not an error at this layer.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Runner executes commands. Implementations must be safe for concurrent use.
type Runner interface {
	Run(context.Context, Command) (Result, error)
}

// Config selects and configures a backend.
type Config struct {
	Type   string
	Env    []string
	Docker DockerConfig
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	// Image is used when the runner provisions its own container.
	Image string
	// Container names an existing, externally managed container. When set
	// the runner never starts or removes it.
	Container string
	Network   string
	// WorkspaceRoot is the host directory mounted into the container.
	WorkspaceRoot string
	// ContainerWorkspace is where WorkspaceRoot appears inside the container.
	ContainerWorkspace string
}

// Factory builds one backend by type.
type Factory interface {
	Type() string
	Build(Config) (Runner, error)
}

type prober interface {
	Probe(context.Context) error
}

type closer interface {
	Close() error
}

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory registers a backend factory. Types are unique.
func RegisterFactory(factory Factory) error {
	if factory == nil || strings.TrimSpace(factory.Type()) == "" {
		return fmt.Errorf("execenv: invalid runner factory")
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[factory.Type()]; exists {
		return fmt.Errorf("execenv: duplicated runner factory %q", factory.Type())
	}
	factories[factory.Type()] = factory
	return nil
}

// New builds the runner named by cfg.Type (host when empty) and probes it
// when the backend supports probing.
func New(ctx context.Context, cfg Config) (Runner, error) {
	kind := strings.TrimSpace(strings.ToLower(cfg.Type))
	if kind == "" {
		kind = TypeHost
	}
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, NewCodedError(ErrorCodeSandboxUnsupported, "execenv: unknown runner type %q", kind)
	}
	runner, err := factory.Build(cfg)
	if err != nil {
		return nil, WrapCodedError(ErrorCodeSandboxUnavailable, err, "execenv: build %s runner", kind)
	}
	if p, ok := runner.(prober); ok {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		probeErr := p.Probe(probeCtx)
		cancel()
		if probeErr != nil {
			_ = Close(runner)
			return nil, WrapCodedError(ErrorCodeSandboxUnavailable, probeErr, "execenv: %s runner unavailable", kind)
		}
	}
	return runner, nil
}

const probeTimeout = 10 * time.Second

// Close releases backend resources such as a provisioned container.
// Runners without cleanup hooks are a no-op.
func Close(r Runner) error {
	if r == nil {
		return nil
	}
	c, ok := r.(closer)
	if !ok {
		return nil
	}
	return c.Close()
}

func defaultEnv() []string {
	return []string{
		"TERM=dumb",
		"NO_COLOR=1",
		"max_print_line=10000",
	}
}
