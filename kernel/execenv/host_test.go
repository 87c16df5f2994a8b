package execenv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostRunner_CapturesOutput(t *testing.T) {
	runner := NewHostRunner()
	res, err := runner.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out", strings.TrimSpace(res.Stdout))
	assert.Equal(t, "err", strings.TrimSpace(res.Stderr))
	assert.GreaterOrEqual(t, res.Elapsed, time.Duration(0))
}

func TestHostRunner_NonZeroExitIsNotAnError(t *testing.T) {
	runner := NewHostRunner()
	res, err := runner.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestHostRunner_RunsInDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0o644))
	res, err := NewHostRunner().Run(context.Background(), Command{Name: "cat", Args: []string{"marker.txt"}, Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "here", res.Stdout)
}

func TestHostRunner_StartFailure(t *testing.T) {
	_, err := NewHostRunner().Run(context.Background(), Command{Name: "bibforge-definitely-missing-binary"})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeSandboxStart), "got code %q", ErrorCodeOf(err))
	assert.True(t, IsStartFailure(err))
}

func TestHostRunner_Timeout(t *testing.T) {
	start := time.Now()
	_, err := NewHostRunner().Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"2"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeCommandTimeout), "got code %q (%v)", ErrorCodeOf(err), err)
	assert.False(t, IsStartFailure(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHostRunner_IdleTimeout(t *testing.T) {
	res, err := NewHostRunner().Run(context.Background(), Command{
		Name:        "sh",
		Args:        []string{"-c", "echo hello; sleep 2"},
		Timeout:     5 * time.Second,
		IdleTimeout: 300 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeIdleTimeout), "got code %q (%v)", ErrorCodeOf(err), err)
	assert.Contains(t, res.Stdout, "hello")
}

func TestHostRunner_EnvIsPassed(t *testing.T) {
	runner := NewHostRunner("BIBFORGE_BASE=1")
	res, err := runner.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo $BIBFORGE_BASE$BIBFORGE_EXTRA"},
		Env:  []string{"BIBFORGE_EXTRA=2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "12", strings.TrimSpace(res.Stdout))
}
