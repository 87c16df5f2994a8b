package compile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OnslaughtSnail/bibforge/internal/observability"
	"github.com/OnslaughtSnail/bibforge/kernel/artifact"
	"github.com/OnslaughtSnail/bibforge/kernel/clock"
	"github.com/OnslaughtSnail/bibforge/kernel/execenv"
	"github.com/OnslaughtSnail/bibforge/kernel/ledger"
	"github.com/OnslaughtSnail/bibforge/kernel/session"
	"github.com/OnslaughtSnail/bibforge/kernel/style"
)

const sampleBib = `@book{knuth84, author = {Donald Knuth}, title = {The TeXbook}, year = {1984}}`

type fakeRunner struct {
	mu     sync.Mutex
	calls  []execenv.Command
	handle func(cmd execenv.Command) (execenv.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd execenv.Command) (execenv.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handle := f.handle
	f.mu.Unlock()
	if handle == nil {
		return execenv.Result{}, nil
	}
	return handle(cmd)
}

func (f *fakeRunner) commands() []execenv.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execenv.Command(nil), f.calls...)
}

func writeIn(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

// toolchain simulates latex and bibtex writing into the session directory.
type toolchain struct {
	t           *testing.T
	typesetExit int
	bibExit     int
	bbl         string
	typesetLog  string
	bibLog      string
}

func (tc toolchain) handle(cmd execenv.Command) (execenv.Result, error) {
	switch cmd.Name {
	case "latex":
		writeIn(tc.t, cmd.Dir, "document.aux", `\citation{*}`)
		if tc.typesetLog != "" {
			writeIn(tc.t, cmd.Dir, "document.log", tc.typesetLog)
		}
		return execenv.Result{ExitCode: tc.typesetExit, Elapsed: time.Millisecond}, nil
	case "bibtex":
		if tc.bibLog != "" {
			writeIn(tc.t, cmd.Dir, "document.blg", tc.bibLog)
		}
		if tc.bbl != "" {
			writeIn(tc.t, cmd.Dir, "document.bbl", tc.bbl)
		}
		return execenv.Result{ExitCode: tc.bibExit, Elapsed: time.Millisecond}, nil
	}
	return execenv.Result{ExitCode: 127}, nil
}

type harness struct {
	clock    *clock.FakeClock
	registry *session.Registry
	store    *artifact.FileStore
	runner   *fakeRunner
	metrics  *observability.Metrics
	ledger   *ledger.Ledger
	pipeline *Pipeline
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	root := t.TempDir()
	styleDir := filepath.Join(root, "styles")
	require.NoError(t, os.MkdirAll(styleDir, 0o755))
	writeIn(t, styleDir, "plain.bst", "% plain style")
	writeIn(t, styleDir, "alpha.bst", "% alpha style")
	catalog, err := style.NewDirCatalog(styleDir, nil)
	require.NoError(t, err)
	store, err := artifact.NewFileStore(filepath.Join(root, "sessions"))
	require.NoError(t, err)
	led, err := ledger.Open(filepath.Join(root, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	h := &harness{
		clock:   clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		store:   store,
		runner:  &fakeRunner{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		ledger:  led,
	}
	h.registry = session.NewRegistry(session.WithClock(h.clock))
	h.pipeline, err = New(cfg, Deps{
		Registry: h.registry,
		Store:    store,
		Styles:   catalog,
		Runner:   h.runner,
		Clock:    h.clock,
		Metrics:  h.metrics,
		Ledger:   led,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) read(t *testing.T, id string, role artifact.Role) (string, bool) {
	t.Helper()
	data, err := h.store.Read(context.Background(), artifact.Key{Session: id, Role: role})
	if errors.Is(err, artifact.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	return string(data), true
}

func TestPipeline_BothPassesSucceed(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = toolchain{t: t, bbl: `\begin{thebibliography}{1}\bibitem{knuth84}\end{thebibliography}`}.handle

	res, err := h.pipeline.Submit(context.Background(), "caller-1", sampleBib, "plain")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status, "%+v", res.Failure)
	assert.Nil(t, res.Err())
	assert.Contains(t, res.Output, `\bibitem{knuth84}`)
	require.Len(t, res.Passes, 2)
	assert.Equal(t, StageTypesetting, res.Passes[0].Stage)
	assert.Equal(t, StageBibliographyResolution, res.Passes[1].Stage)

	calls := h.runner.commands()
	require.Len(t, calls, 2)
	dir, err := h.store.Dir(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "latex", calls[0].Name)
	assert.Equal(t, []string{"-interaction=nonstopmode", "document.tex"}, calls[0].Args)
	assert.Equal(t, "bibtex", calls[1].Name)
	assert.Equal(t, []string{"document"}, calls[1].Args)
	for _, call := range calls {
		assert.Equal(t, dir, call.Dir)
		assert.Equal(t, DefaultPassTimeout, call.Timeout)
	}

	doc, ok := h.read(t, res.SessionID, artifact.RoleDocument)
	require.True(t, ok)
	assert.Contains(t, doc, `\bibliographystyle{style}`)
	assert.Contains(t, doc, `\bibliography{bibliography}`)
	assert.Contains(t, doc, `\cite{*}`)
	staged, _ := h.read(t, res.SessionID, artifact.RoleStyle)
	assert.Equal(t, "% plain style", staged)
	bib, _ := h.read(t, res.SessionID, artifact.RoleBibliography)
	assert.Equal(t, sampleBib, bib)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CompilationsTotal.WithLabelValues("success", "")))
	history, err := h.ledger.Compilations(context.Background(), res.SessionID, 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "success", history[0].Status)
	assert.Equal(t, "plain", history[0].Style)
	assert.Equal(t, []int{0, 0}, history[0].ExitCodes)
}

func TestPipeline_TypesettingErrorWithOutputIsSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = toolchain{t: t, typesetExit: 1, typesetLog: "! Undefined control sequence.", bbl: "\\begin{thebibliography}{1}\n"}.handle

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain.bst")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Passes[0].ExitCode)
}

func TestPipeline_MissingOutputReportsBothLogs(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = toolchain{
		t:          t,
		bibExit:    2,
		typesetLog: "This is pdfTeX\nNo file document.bbl.",
		bibLog:     "I couldn't open style file style.bst",
	}.handle

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "alpha")
	require.NoError(t, err)
	require.Equal(t, StatusFailure, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, KindCompilation, res.Failure.Kind)
	assert.Equal(t, StageBibliographyResolution, res.Failure.Stage)
	assert.Equal(t, "bibliography resolution produced no output", res.Failure.Reason)

	diag := res.Failure.Diagnostic
	assert.Contains(t, diag, "===== LaTeX log (typesetting) =====")
	assert.Contains(t, diag, "No file document.bbl.")
	assert.Contains(t, diag, "===== BibTeX log (bibliography-resolution) =====")
	assert.Contains(t, diag, "exit code: 2")
	assert.Contains(t, diag, "I couldn't open style file")
	assert.Less(t, strings.Index(diag, "LaTeX log"), strings.Index(diag, "BibTeX log"))

	var failure *Failure
	require.True(t, errors.As(res.Err(), &failure))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CompilationsTotal.WithLabelValues("failure", string(StageBibliographyResolution))))
}

func TestPipeline_MissingLogsAreNoted(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = toolchain{t: t}.handle

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, 2, strings.Count(res.Failure.Diagnostic, "(log file was not produced)"))
}

func TestPipeline_BlankOutputIsFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = toolchain{t: t, bbl: "  \n\t", bibLog: "Database file #1: bibliography.bib"}.handle

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, "bibliography resolution produced an empty output", res.Failure.Reason)
}

func TestPipeline_ValidationFailuresLaunchNothing(t *testing.T) {
	h := newHarness(t, Config{MaxInputBytes: 64})
	id, err := h.registry.GetOrCreate("caller")
	require.NoError(t, err)

	cases := map[string]struct {
		session, bib, style string
		reason              string
	}{
		"missing style":   {id, sampleBib, "nonexistent", `style "nonexistent" is not available`},
		"traversal style": {id, sampleBib, "../plain", `style "../plain" is not available`},
		"blank input":     {id, " \n\t", "plain", "bibliography is empty"},
		"oversized input": {id, strings.Repeat("x", 65), "plain", "bibliography is 65 bytes, the limit is 64"},
		"unknown session": {"s-unknown", sampleBib, "plain", "session s-unknown is not active"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := h.pipeline.Compile(context.Background(), tc.session, tc.bib, tc.style)
			require.NoError(t, err)
			require.Equal(t, StatusFailure, res.Status)
			require.NotNil(t, res.Failure)
			assert.Equal(t, KindValidation, res.Failure.Kind)
			assert.Equal(t, StageValidation, res.Failure.Stage)
			assert.Equal(t, tc.reason, res.Failure.Reason)
			assert.Empty(t, res.Failure.Diagnostic)
		})
	}
	assert.Empty(t, h.runner.commands())
	_, staged := h.read(t, id, artifact.RoleBibliography)
	assert.False(t, staged)
}

func TestPipeline_ResubmissionIsDeterministic(t *testing.T) {
	h := newHarness(t, Config{})
	runs := 0
	h.runner.handle = func(cmd execenv.Command) (execenv.Result, error) {
		tc := toolchain{t: t, bibLog: "ok"}
		if cmd.Name == "bibtex" {
			runs++
			if runs == 1 {
				tc.bbl = "\\bibitem{knuth84}\n"
			}
		}
		return tc.handle(cmd)
	}

	first, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, first.Status)

	// The second bibtex run writes nothing; a stale output from the first
	// attempt must not be reported.
	second, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, StatusFailure, second.Status)

	h.runner.handle = toolchain{t: t, bbl: "\\bibitem{knuth84}\n"}.handle
	third, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	fourth, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	assert.Equal(t, third.Output, fourth.Output)
	assert.Equal(t, third.Status, fourth.Status)
}

func TestPipeline_StartFailureIsSandboxInvocationError(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = func(cmd execenv.Command) (execenv.Result, error) {
		return execenv.Result{}, execenv.NewCodedError(execenv.ErrorCodeSandboxStart, "exec: %q: not found", cmd.Name)
	}

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	var invocation *SandboxInvocationError
	require.True(t, errors.As(err, &invocation), "got %v", err)
	assert.Equal(t, StageTypesetting, invocation.Stage)
	assert.True(t, execenv.IsErrorCode(err, execenv.ErrorCodeSandboxStart))
	assert.Empty(t, res.Output)
	assert.Len(t, h.runner.commands(), 1)

	history, lerr := h.ledger.Compilations(context.Background(), res.SessionID, 5)
	require.NoError(t, lerr)
	require.Len(t, history, 1)
	assert.Equal(t, "error", history[0].Status)
	assert.Equal(t, string(StageTypesetting), history[0].Stage)
}

func TestPipeline_TimeoutIsRecordedAndPipelineContinues(t *testing.T) {
	h := newHarness(t, Config{PassTimeout: time.Second})
	h.runner.handle = func(cmd execenv.Command) (execenv.Result, error) {
		if cmd.Name == "latex" {
			writeIn(t, cmd.Dir, "document.aux", `\citation{*}`)
			return execenv.Result{ExitCode: -1}, execenv.NewCodedError(execenv.ErrorCodeCommandTimeout, "latex timed out after 1s")
		}
		writeIn(t, cmd.Dir, "document.bbl", "\\bibitem{a}\n")
		return execenv.Result{}, nil
	}

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Passes, 2)
	assert.Contains(t, res.Passes[0].Error, "timed out")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PassOutcomesTotal.WithLabelValues(string(StageTypesetting), "timeout")))
}

func TestPipeline_DistinctCallersAreIsolated(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = func(cmd execenv.Command) (execenv.Result, error) {
		if cmd.Name == "bibtex" {
			bib, err := os.ReadFile(filepath.Join(cmd.Dir, "bibliography.bib"))
			if err != nil {
				return execenv.Result{}, err
			}
			if err := os.WriteFile(filepath.Join(cmd.Dir, "document.bbl"), append([]byte("out:"), bib...), 0o644); err != nil {
				return execenv.Result{}, err
			}
		}
		return execenv.Result{}, nil
	}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller := string(rune('a' + i))
			res, err := h.pipeline.Submit(context.Background(), caller, "@misc{"+caller+"}", "plain")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()
	seen := map[string]bool{}
	for i, res := range results {
		caller := string(rune('a' + i))
		assert.Equal(t, "out:@misc{"+caller+"}", res.Output)
		assert.False(t, seen[res.SessionID], "session shared")
		seen[res.SessionID] = true
	}
}

func TestPipeline_SessionCannotExpireMidFlight(t *testing.T) {
	h := newHarness(t, Config{})
	entered := make(chan struct{})
	proceed := make(chan struct{})
	h.runner.handle = func(cmd execenv.Command) (execenv.Result, error) {
		if cmd.Name == "latex" {
			close(entered)
			<-proceed
		}
		if cmd.Name == "bibtex" {
			writeIn(t, cmd.Dir, "document.bbl", "\\bibitem{x}\n")
		}
		return execenv.Result{}, nil
	}

	done := make(chan Result, 1)
	go func() {
		res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
		assert.NoError(t, err)
		done <- res
	}()
	<-entered
	h.clock.Advance(time.Hour)
	assert.Empty(t, h.registry.Expired(17*time.Minute))
	close(proceed)

	res := <-done
	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, h.registry.IsValid(res.SessionID))
	assert.Empty(t, h.registry.Expired(17*time.Minute))
}

func TestPipeline_CanceledContextAbandonsCompilation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.runner.handle = func(cmd execenv.Command) (execenv.Result, error) {
		cancel()
		return execenv.Result{ExitCode: -1}, execenv.NewCodedError(execenv.ErrorCodeCommandCanceled, "latex canceled")
	}
	_, err := h.pipeline.Submit(ctx, "caller", sampleBib, "plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.runner.commands(), 1)
}

func TestPipeline_DiagnosticKeepsLogTail(t *testing.T) {
	h := newHarness(t, Config{MaxLogBytes: 16})
	h.runner.handle = toolchain{t: t, typesetLog: strings.Repeat("a", 100) + "LAST-LINE-HERE!!"}.handle

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Contains(t, res.Failure.Diagnostic, "[... 100 earlier bytes omitted ...]\nLAST-LINE-HERE!!")
	assert.NotContains(t, res.Failure.Diagnostic, "aaaa")
}

func TestPipeline_ClearLogs(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.handle = toolchain{t: t, typesetLog: "log", bibLog: "blg", bbl: "\\bibitem{x}\n"}.handle
	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)

	require.NoError(t, h.pipeline.ClearLogs(context.Background(), res.SessionID))
	for _, role := range []artifact.Role{artifact.RoleAux, artifact.RoleTypesetLog, artifact.RoleBibLog} {
		_, ok := h.read(t, res.SessionID, role)
		assert.False(t, ok, role.String())
	}
	_, ok := h.read(t, res.SessionID, artifact.RoleOutput)
	assert.True(t, ok)

	assert.ErrorIs(t, h.pipeline.ClearLogs(context.Background(), "s-missing"), session.ErrSessionNotFound)
}

func TestPipeline_Styles(t *testing.T) {
	h := newHarness(t, Config{})
	names, err := h.pipeline.Styles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "plain"}, names)
}

func TestPipeline_EmptyCaller(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.pipeline.Submit(context.Background(), "", sampleBib, "plain")
	assert.ErrorIs(t, err, session.ErrInvalidCaller)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestNew_FillsDefaults(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: -time.Second, MaxLogBytes: 512})
	cfg := h.pipeline.Config()
	assert.Equal(t, DefaultConfig().TypesetCommand, cfg.TypesetCommand)
	assert.Equal(t, DefaultConfig().BibArgs, cfg.BibArgs)
	assert.Equal(t, DefaultMaxInputBytes, cfg.MaxInputBytes)
	assert.Equal(t, int64(DefaultMaxConcurrent), cfg.MaxConcurrent)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Equal(t, 512, cfg.MaxLogBytes)
}

func TestTail(t *testing.T) {
	body, dropped := tail([]byte("héllo"), 4)
	assert.Equal(t, "llo", string(body))
	assert.Equal(t, 3, dropped)
	body, dropped = tail([]byte("short"), 0)
	assert.Equal(t, "short", string(body))
	assert.Zero(t, dropped)
}

func TestPipeline_HostRunnerEndToEnd(t *testing.T) {
	h := newHarness(t, Config{
		TypesetCommand: "sh",
		TypesetArgs:    []string{"-c", `grep -q 'bibliographystyle{style}' document.tex && printf '%s\n' '\citation{*}' > document.aux && exit 1`},
		BibCommand:     "sh",
		BibArgs:        []string{"-c", `test -f document.aux && sed 's/^/% /' bibliography.bib > document.bbl`},
	})
	h.pipeline.runner = execenv.NewHostRunner()

	res, err := h.pipeline.Submit(context.Background(), "caller", sampleBib, "plain")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status, "%+v", res.Failure)
	assert.Equal(t, "% "+sampleBib, strings.TrimSpace(res.Output))
	assert.Equal(t, 1, res.Passes[0].ExitCode)
	assert.Equal(t, 0, res.Passes[1].ExitCode)
}
