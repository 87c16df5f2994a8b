package execenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	dockerRunnerType          = TypeDocker
	dockerDefaultImage        = "texlive/texlive:latest"
	dockerDefaultNetwork      = "none"
	dockerDefaultWorkspaceDir = "/workspace"
	dockerContainerPrefix     = "bibforge-sandbox"
	dockerSetupTimeout        = 60 * time.Second
	dockerDaemonErrorMarker   = "Error response from daemon"
)

var dockerContainerCounter atomic.Int64

type dockerFactory struct{}

func (dockerFactory) Type() string { return dockerRunnerType }

func (dockerFactory) Build(cfg Config) (Runner, error) {
	return newDockerRunner(cfg)
}

// dockerRunner keeps one container alive and runs every command through
// docker exec so passes pay no container start-up cost. When Container is
// configured the container is owned by someone else and is only probed.
type dockerRunner struct {
	execCommand  func(context.Context, string, ...string) *exec.Cmd
	image        string
	network      string
	env          []string
	hostRoot     string
	containerDir string
	external     bool
	setupTTL     time.Duration
	now          func() time.Time

	provision singleflight.Group

	mu        sync.Mutex
	container string
	started   bool
	closed    bool
}

func newDockerRunner(cfg Config) (*dockerRunner, error) {
	dc := cfg.Docker
	root := strings.TrimSpace(dc.WorkspaceRoot)
	if root == "" {
		return nil, errors.New("docker workspace root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve docker workspace root: %w", err)
	}
	image := strings.TrimSpace(dc.Image)
	if image == "" {
		image = dockerDefaultImage
	}
	network := strings.TrimSpace(strings.ToLower(dc.Network))
	if network == "" {
		network = dockerDefaultNetwork
	}
	containerDir := strings.TrimSpace(dc.ContainerWorkspace)
	if containerDir == "" {
		containerDir = dockerDefaultWorkspaceDir
	}
	r := &dockerRunner{
		execCommand:  exec.CommandContext,
		image:        image,
		network:      network,
		env:          append(defaultEnv(), cfg.Env...),
		hostRoot:     filepath.Clean(absRoot),
		containerDir: path.Clean(containerDir),
		setupTTL:     dockerSetupTimeout,
		now:          time.Now,
	}
	if name := strings.TrimSpace(dc.Container); name != "" {
		r.container = name
		r.external = true
		r.started = true
	} else {
		r.container = nextDockerContainerName()
	}
	return r, nil
}

func nextDockerContainerName() string {
	id := dockerContainerCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d", dockerContainerPrefix, os.Getpid(), id)
}

func (d *dockerRunner) Probe(ctx context.Context) error {
	if err := d.runQuiet(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("docker probe failed: %w", err)
	}
	if d.external {
		out, err := d.output(ctx, "inspect", "-f", "{{.State.Running}}", d.containerName())
		if err != nil {
			return fmt.Errorf("docker container %q not found: %w", d.containerName(), err)
		}
		if strings.TrimSpace(out) != "true" {
			return fmt.Errorf("docker container %q is not running", d.containerName())
		}
		return nil
	}
	if err := d.runQuiet(ctx, "image", "inspect", d.image); err != nil {
		if pullErr := d.runQuiet(ctx, "pull", d.image); pullErr != nil {
			return fmt.Errorf("docker image %q unavailable: inspect failed: %v; pull failed: %w", d.image, err, pullErr)
		}
	}
	return nil
}

func (d *dockerRunner) Run(ctx context.Context, req Command) (Result, error) {
	if req.Name == "" {
		return Result{}, NewCodedError(ErrorCodeSandboxStart, "execenv: empty command")
	}
	hostDir, err := resolveHostDir(req.Dir)
	if err != nil {
		return Result{}, WrapCodedError(ErrorCodeSandboxStart, err, "execenv: resolve docker workdir")
	}
	containerDir, inside := d.containerWorkDir(hostDir)

	var args []string
	mode := "exec"
	if inside {
		setupCtx, cancelSetup := context.WithTimeout(ctx, d.setupTTL)
		err := d.ensureContainer(setupCtx)
		cancelSetup()
		if err != nil {
			return Result{}, WrapCodedError(ErrorCodeSandboxUnavailable, err, "execenv: docker sandbox unavailable")
		}
		args = append(args, "exec", "-w", containerDir)
		args = append(args, envArgs(d.env, req.Env)...)
		args = append(args, d.containerName(), req.Name)
	} else {
		if d.external {
			return Result{}, NewCodedError(ErrorCodeSandboxUnavailable, "execenv: %s is outside the container workspace %s", hostDir, d.hostRoot)
		}
		// Directories outside the mounted root get a one-shot container
		// with a per-command mount.
		mode = "run"
		args = append(args, "run", "--rm", "--network", d.network,
			"-v", hostDir+":"+d.containerDir,
			"-w", d.containerDir)
		args = append(args, envArgs(d.env, req.Env)...)
		args = append(args, d.image, req.Name)
	}
	args = append(args, req.Args...)

	runCtx := ctx
	cancelRun := func() {}
	if req.Timeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancelRun()
	return d.runSandboxCommand(runCtx, req, args, mode)
}

func (d *dockerRunner) runSandboxCommand(runCtx context.Context, req Command, args []string, mode string) (Result, error) {
	cmd := d.execCommand(runCtx, "docker", args...)
	watch := watchProcess(cmd)

	started := d.now()
	if err := cmd.Start(); err != nil {
		return Result{}, WrapCodedError(ErrorCodeSandboxStart, err, "execenv: docker %s start failed", mode)
	}
	err := watch.wait(runCtx, req.IdleTimeout)
	stdout, stderr := watch.output()
	result := Result{
		Stdout:  stdout,
		Stderr:  stderr,
		Elapsed: d.now().Sub(started),
	}
	if err == nil {
		return result, nil
	}
	result.ExitCode = resolveExitCode(err)
	if classified := classifyWaitError(runCtx, req, err, fmt.Sprintf("execenv: docker %s %s (network=%s)", mode, req.Name, d.network)); classified != nil {
		return result, classified
	}
	// Exit codes produced by the docker client itself rather than the
	// command it wraps.
	if strings.Contains(result.Stderr, dockerDaemonErrorMarker) || result.ExitCode == 125 {
		d.markStale()
		return result, NewCodedError(ErrorCodeSandboxUnavailable, "execenv: docker %s failed: %s", mode, strings.TrimSpace(result.Stderr))
	}
	if result.ExitCode == 126 || result.ExitCode == 127 {
		return result, NewCodedError(ErrorCodeSandboxStart, "execenv: %q could not be invoked in container: %s", req.Name, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

func (d *dockerRunner) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	container := d.container
	external := d.external
	d.mu.Unlock()
	if external || !started {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.runQuiet(stopCtx, "rm", "-f", container)
	if err == nil || strings.Contains(strings.ToLower(err.Error()), "no such container") {
		return nil
	}
	return fmt.Errorf("docker sandbox cleanup failed for %q: %w", container, err)
}

func (d *dockerRunner) ensureContainer(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("sandbox closed")
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	container := d.container
	d.mu.Unlock()

	// Concurrent first commands share one docker run. The flight outlives
	// any single waiter so one canceled request cannot fail the others.
	ch := d.provision.DoChan(container, func() (any, error) {
		setupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.setupTTL)
		defer cancel()
		return nil, d.startContainer(setupCtx, container)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dockerRunner) startContainer(ctx context.Context, container string) error {
	d.mu.Lock()
	done := d.started && d.container == container
	d.mu.Unlock()
	if done {
		return nil
	}

	args := []string{
		"run", "-d", "--rm",
		"--name", container,
		"--network", d.network,
		"-v", d.hostRoot + ":" + d.containerDir,
		"-w", d.containerDir,
		d.image,
		"sh", "-c", "trap 'exit 0' TERM INT; while :; do sleep 3600; done",
	}
	if err := d.runQuiet(ctx, args...); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = d.runQuiet(context.Background(), "rm", "-f", container)
		return errors.New("sandbox closed")
	}
	if d.container == container {
		d.started = true
	}
	return nil
}

// markStale forces the next command to provision a fresh container after
// the daemon reported the current one missing. External containers are
// left alone.
func (d *dockerRunner) markStale() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.external || d.closed {
		return
	}
	d.started = false
	d.container = nextDockerContainerName()
}

func (d *dockerRunner) containerName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.container
}

func (d *dockerRunner) containerWorkDir(hostDir string) (string, bool) {
	rel, ok := relWithinRoot(d.hostRoot, hostDir)
	if !ok {
		return "", false
	}
	if rel == "." {
		return d.containerDir, true
	}
	return path.Join(d.containerDir, filepath.ToSlash(rel)), true
}

func (d *dockerRunner) runQuiet(ctx context.Context, args ...string) error {
	_, err := d.output(ctx, args...)
	return err
}

func (d *dockerRunner) output(ctx context.Context, args ...string) (string, error) {
	cmd := d.execCommand(ctx, "docker", args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", err
		}
		return "", fmt.Errorf("%w; stderr=%s", err, msg)
	}
	return stdout.String(), nil
}

func envArgs(groups ...[]string) []string {
	var out []string
	for _, group := range groups {
		for _, kv := range group {
			if strings.TrimSpace(kv) == "" {
				continue
			}
			out = append(out, "-e", kv)
		}
	}
	return out
}

func relWithinRoot(root string, target string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

func resolveHostDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func init() {
	if err := RegisterFactory(dockerFactory{}); err != nil {
		panic(err)
	}
}
