// Package compile turns a bibliography and a style name into formatted
// reference-list markup by running a typesetting pass and a bibliography
// resolution pass inside the caller's session workspace.
package compile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/OnslaughtSnail/bibforge/internal/observability"
	"github.com/OnslaughtSnail/bibforge/kernel/artifact"
	"github.com/OnslaughtSnail/bibforge/kernel/clock"
	"github.com/OnslaughtSnail/bibforge/kernel/execenv"
	"github.com/OnslaughtSnail/bibforge/kernel/ledger"
	"github.com/OnslaughtSnail/bibforge/kernel/session"
	"github.com/OnslaughtSnail/bibforge/kernel/style"
)

var tracer = otel.Tracer("bibforge/compile")

const (
	DefaultPassTimeout   = 60 * time.Second
	DefaultIdleTimeout   = 30 * time.Second
	DefaultMaxConcurrent = 4
	DefaultMaxInputBytes = 4 << 20
	DefaultMaxLogBytes   = 64 << 10
)

// Config describes the two toolchain passes. Arguments are resolved
// relative to the session directory, which is the working directory of
// both passes.
type Config struct {
	TypesetCommand string
	TypesetArgs    []string
	BibCommand     string
	BibArgs        []string
	PassTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxConcurrent  int64
	MaxInputBytes  int
	MaxLogBytes    int
}

// DefaultConfig runs latex then bibtex with the package defaults.
func DefaultConfig() Config {
	document, _ := artifact.RoleDocument.FileName()
	return Config{
		TypesetCommand: "latex",
		TypesetArgs:    []string{"-interaction=nonstopmode", document},
		BibCommand:     "bibtex",
		BibArgs:        []string{artifact.DocumentBase},
		PassTimeout:    DefaultPassTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		MaxConcurrent:  DefaultMaxConcurrent,
		MaxInputBytes:  DefaultMaxInputBytes,
		MaxLogBytes:    DefaultMaxLogBytes,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.TypesetCommand) == "" {
		c.TypesetCommand, c.TypesetArgs = def.TypesetCommand, def.TypesetArgs
	}
	if strings.TrimSpace(c.BibCommand) == "" {
		c.BibCommand, c.BibArgs = def.BibCommand, def.BibArgs
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = def.PassTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = def.MaxInputBytes
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = def.MaxLogBytes
	}
	return c
}

// Recorder persists session and compilation history. *ledger.Ledger
// satisfies it.
type Recorder interface {
	RecordSession(ctx context.Context, sessionID, callerID string, at time.Time) error
	RecordCompilation(ctx context.Context, c ledger.Compilation) error
}

// Deps are the collaborators a Pipeline drives. Clock, Logger, Metrics and
// Ledger are optional.
type Deps struct {
	Registry *session.Registry
	Store    artifact.Store
	Styles   style.Catalog
	Runner   execenv.Runner
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Ledger   Recorder
}

// Pipeline compiles bibliographies in per-session workspaces.
type Pipeline struct {
	cfg      Config
	registry *session.Registry
	store    artifact.Store
	styles   style.Catalog
	runner   execenv.Runner
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
	ledger   Recorder
	slots    *semaphore.Weighted
}

// New validates deps and fills unset config fields with defaults.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("compile: registry is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("compile: artifact store is required")
	case deps.Styles == nil:
		return nil, fmt.Errorf("compile: style catalog is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("compile: sandbox runner is required")
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:      cfg,
		registry: deps.Registry,
		store:    deps.Store,
		styles:   deps.Styles,
		runner:   deps.Runner,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		ledger:   deps.Ledger,
		slots:    semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("compile")
	return p, nil
}

// Config returns the effective configuration after defaults.
func (p *Pipeline) Config() Config { return p.cfg }

// Submit resolves callerID to its session and compiles there.
func (p *Pipeline) Submit(ctx context.Context, callerID, bibliography, styleName string) (Result, error) {
	id, err := p.registry.GetOrCreate(callerID)
	if err != nil {
		return Result{}, err
	}
	if rec, ok := p.registry.Get(id); ok && p.ledger != nil {
		if err := p.ledger.RecordSession(ctx, id, callerID, rec.CreatedAt); err != nil {
			p.logger.Warn("ledger session update failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	p.metrics.SetSessions(p.registry.Len())
	return p.Compile(ctx, id, bibliography, styleName)
}

// Compile runs both passes in sessionID's workspace. Validation and
// compilation failures are reported in the Result. A non-nil error means
// the request could not be carried out: a pass could not be started
// (*SandboxInvocationError), staging failed, or ctx ended.
func (p *Pipeline) Compile(ctx context.Context, sessionID, bibliography, styleName string) (Result, error) {
	ctx, span := tracer.Start(ctx, "compile.Compile", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("style", styleName),
		attribute.Int("bibliography_bytes", len(bibliography)),
	))
	defer span.End()
	started := p.clock.Now()

	result, err := p.compile(ctx, sessionID, bibliography, styleName)
	elapsed := p.clock.Now().Sub(started)
	result.SessionID = sessionID

	status := string(result.Status)
	var stage string
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("compilation could not run",
			zap.String("session_id", sessionID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	case result.Failure != nil:
		stage = string(result.Failure.Stage)
		span.SetAttributes(attribute.String("failure.stage", stage))
		p.logger.Info("compilation failed",
			zap.String("session_id", sessionID),
			zap.String("stage", stage),
			zap.String("reason", result.Failure.Reason),
			zap.Duration("elapsed", elapsed),
		)
	default:
		p.logger.Info("compilation succeeded",
			zap.String("session_id", sessionID),
			zap.Int("output_bytes", len(result.Output)),
			zap.Duration("elapsed", elapsed),
		)
	}
	span.SetAttributes(attribute.String("status", status))
	p.metrics.RecordCompilation(status, stage, elapsed)
	p.record(ctx, result, styleName, status, elapsed, err)
	return result, err
}

func (p *Pipeline) compile(ctx context.Context, sessionID, bibliography, styleName string) (Result, error) {
	if failure := p.validate(ctx, sessionID, bibliography, styleName); failure != nil {
		return Result{Status: StatusFailure, Failure: failure}, nil
	}

	lease, err := p.registry.Acquire(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return validationFailure("session %s is not active", sessionID), nil
		}
		return Result{}, fmt.Errorf("compile: wait for session: %w", err)
	}
	defer lease.Release()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("compile: wait for sandbox slot: %w", err)
	}
	defer p.slots.Release(1)
	defer p.metrics.TrackInFlight()()

	styleDef, err := p.styles.Read(ctx, styleName)
	if err != nil {
		if errors.Is(err, style.ErrUnknownStyle) || errors.Is(err, style.ErrInvalidName) {
			return validationFailure("style %q is not available", styleName), nil
		}
		return Result{}, err
	}
	dir, err := p.stage(ctx, sessionID, []byte(bibliography), styleDef)
	if err != nil {
		return Result{}, err
	}

	var result Result
	typeset, err := p.runPass(ctx, StageTypesetting, dir, p.cfg.TypesetCommand, p.cfg.TypesetArgs)
	if err != nil {
		return Result{}, err
	}
	result.Passes = append(result.Passes, typeset)
	bib, err := p.runPass(ctx, StageBibliographyResolution, dir, p.cfg.BibCommand, p.cfg.BibArgs)
	if err != nil {
		return Result{}, err
	}
	result.Passes = append(result.Passes, bib)

	return p.classify(ctx, sessionID, result)
}

func (p *Pipeline) validate(ctx context.Context, sessionID, bibliography, styleName string) *Failure {
	if !p.registry.IsValid(sessionID) {
		return validationFailure("session %s is not active", sessionID).Failure
	}
	ok, err := p.styles.Has(ctx, styleName)
	if err != nil || !ok {
		return validationFailure("style %q is not available", styleName).Failure
	}
	if strings.TrimSpace(bibliography) == "" {
		return validationFailure("bibliography is empty").Failure
	}
	if len(bibliography) > p.cfg.MaxInputBytes {
		return validationFailure("bibliography is %d bytes, the limit is %d", len(bibliography), p.cfg.MaxInputBytes).Failure
	}
	return nil
}

func validationFailure(format string, args ...any) Result {
	return Result{
		Status: StatusFailure,
		Failure: &Failure{
			Kind:   KindValidation,
			Stage:  StageValidation,
			Reason: fmt.Sprintf(format, args...),
		},
	}
}

// stage clears outputs of any previous attempt and writes this attempt's
// inputs, so a rerun with the same inputs starts from the same state.
func (p *Pipeline) stage(ctx context.Context, sessionID string, bibliography, styleDef []byte) (string, error) {
	for _, role := range []artifact.Role{artifact.RoleAux, artifact.RoleTypesetLog, artifact.RoleBibLog, artifact.RoleOutput} {
		if err := p.store.Delete(ctx, artifact.Key{Session: sessionID, Role: role}); err != nil {
			return "", fmt.Errorf("compile: clear previous %s: %w", role, err)
		}
	}
	inputs := []struct {
		role artifact.Role
		data []byte
	}{
		{artifact.RoleBibliography, bibliography},
		{artifact.RoleStyle, styleDef},
		{artifact.RoleDocument, []byte(documentSource)},
	}
	for _, in := range inputs {
		if err := p.store.Write(ctx, artifact.Key{Session: sessionID, Role: in.role}, in.data); err != nil {
			return "", fmt.Errorf("compile: stage %s: %w", in.role, err)
		}
	}
	dir, err := p.store.Dir(sessionID)
	if err != nil {
		return "", fmt.Errorf("compile: resolve workspace: %w", err)
	}
	return dir, nil
}

// runPass runs one toolchain invocation. A non-zero exit or a timeout is
// recorded and not fatal; a start failure or caller cancellation is.
func (p *Pipeline) runPass(ctx context.Context, stage Stage, dir, name string, args []string) (PassResult, error) {
	ctx, span := tracer.Start(ctx, "compile.pass", trace.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("command", name),
	))
	defer span.End()

	cmd := execenv.Command{
		Name:        name,
		Args:        append([]string(nil), args...),
		Dir:         dir,
		Timeout:     p.cfg.PassTimeout,
		IdleTimeout: p.cfg.IdleTimeout,
	}
	res, err := p.runner.Run(ctx, cmd)
	pass := PassResult{Stage: stage, ExitCode: res.ExitCode, Elapsed: res.Elapsed}
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))

	outcome := "ok"
	switch {
	case err == nil && res.ExitCode != 0:
		outcome = "nonzero"
	case execenv.IsStartFailure(err):
		p.metrics.RecordPass(string(stage), "start_error", res.Elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox invocation failed")
		return pass, &SandboxInvocationError{Stage: stage, Err: err}
	case err != nil && ctx.Err() != nil:
		p.metrics.RecordPass(string(stage), "canceled", res.Elapsed)
		span.RecordError(err)
		return pass, fmt.Errorf("compile: %s pass abandoned: %w", stage, ctx.Err())
	case err != nil:
		outcome = "timeout"
		pass.Error = err.Error()
		span.RecordError(err)
	}
	p.metrics.RecordPass(string(stage), outcome, res.Elapsed)
	p.logger.Debug("pass finished",
		zap.String("stage", string(stage)),
		zap.String("command", cmd.String()),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", res.Elapsed),
		zap.String("outcome", outcome),
	)
	return pass, nil
}

// classify decides the outcome from the output artifact alone. Exit codes
// only feed the diagnostic.
func (p *Pipeline) classify(ctx context.Context, sessionID string, result Result) (Result, error) {
	output, err := p.store.Read(ctx, artifact.Key{Session: sessionID, Role: artifact.RoleOutput})
	switch {
	case err == nil && strings.TrimSpace(string(output)) != "":
		result.Status = StatusSuccess
		result.Output = string(output)
		return result, nil
	case err != nil && !errors.Is(err, artifact.ErrNotFound):
		return Result{}, fmt.Errorf("compile: read output: %w", err)
	}

	reason := "bibliography resolution produced no output"
	if err == nil {
		reason = "bibliography resolution produced an empty output"
	}
	sections := []logSection{
		p.logSection(ctx, sessionID, artifact.RoleTypesetLog, typesetLogLabel, StageTypesetting, result.Passes),
		p.logSection(ctx, sessionID, artifact.RoleBibLog, bibLogLabel, StageBibliographyResolution, result.Passes),
	}
	result.Status = StatusFailure
	result.Failure = &Failure{
		Kind:       KindCompilation,
		Stage:      StageBibliographyResolution,
		Reason:     reason,
		Diagnostic: renderDiagnostic(p.cfg.MaxLogBytes, sections...),
	}
	return result, nil
}

func (p *Pipeline) logSection(ctx context.Context, sessionID string, role artifact.Role, label string, stage Stage, passes []PassResult) logSection {
	section := logSection{label: label, stage: stage}
	for i := range passes {
		if passes[i].Stage == stage {
			section.pass = &passes[i]
		}
	}
	body, err := p.store.Read(ctx, artifact.Key{Session: sessionID, Role: role})
	if err == nil {
		section.body = body
		section.found = true
	}
	return section
}

func (p *Pipeline) record(ctx context.Context, result Result, styleName, status string, elapsed time.Duration, runErr error) {
	if p.ledger == nil {
		return
	}
	entry := ledger.Compilation{
		SessionID: result.SessionID,
		Style:     styleName,
		Status:    status,
		ExitCodes: result.exitCodes(),
		Elapsed:   elapsed,
		At:        p.clock.Now(),
	}
	switch {
	case runErr != nil:
		entry.Reason = runErr.Error()
		var invocation *SandboxInvocationError
		if errors.As(runErr, &invocation) {
			entry.Stage = string(invocation.Stage)
		}
	case result.Failure != nil:
		entry.Stage = string(result.Failure.Stage)
		entry.Reason = result.Failure.Reason
	}
	// The request context may already be done; history is still written.
	if err := p.ledger.RecordCompilation(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Warn("ledger compilation update failed", zap.String("session_id", result.SessionID), zap.Error(err))
	}
}

// ClearLogs deletes the side files and logs left by the last attempt.
func (p *Pipeline) ClearLogs(ctx context.Context, sessionID string) error {
	lease, err := p.registry.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer lease.Release()
	for _, role := range []artifact.Role{artifact.RoleAux, artifact.RoleTypesetLog, artifact.RoleBibLog} {
		if err := p.store.Delete(ctx, artifact.Key{Session: sessionID, Role: role}); err != nil {
			return fmt.Errorf("compile: clear %s: %w", role, err)
		}
	}
	p.logger.Debug("session logs cleared", zap.String("session_id", sessionID))
	return nil
}

// Styles lists the selectable style names.
func (p *Pipeline) Styles(ctx context.Context) ([]string, error) {
	return p.styles.Names(ctx)
}

// SessionFor returns callerID's session, creating it when absent.
func (p *Pipeline) SessionFor(callerID string) (string, error) {
	return p.registry.GetOrCreate(callerID)
}
