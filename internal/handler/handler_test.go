package handler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/poacher"
)

type lineCollector struct {
	lines []string
}

func (c *lineCollector) sink(msg string) {
	c.lines = append(c.lines, msg)
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestNewSelectsKind(t *testing.T) {
	t.Parallel()

	h, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = New(Config{Kind: KindCommand, Command: "true"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "command", h.Name())

	_, err = New(Config{Kind: KindCommand}, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{Kind: "bogus"}, zap.NewNop())
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestCommandExitCodes(t *testing.T) {
	t.Parallel()
	sh := requireShell(t)

	repo := poacher.Repository{ID: 42, FullName: "octo/widget", URL: "https://github.com/octo/widget", Size: poacher.KnownSize(7)}
	tests := []struct {
		name    string
		script  string
		want    poacher.Outcome
		wantErr bool
		lines   []string
	}{
		{name: "accepted", script: `echo "id=$POACHER_REPO_ID"; echo "size=$POACHER_REPO_SIZE_KB"; exit 0`, want: poacher.OutcomeAccepted, lines: []string{"id=42", "size=7"}},
		{name: "rejected", script: `echo "name=$POACHER_REPO_NAME"; exit 1`, want: poacher.OutcomeRejected, lines: []string{"name=octo/widget"}},
		{name: "failed", script: `echo boom >&2; exit 3`, want: poacher.OutcomeFailed, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h, err := NewCommand(sh, []string{"-c", tc.script}, 0, zap.NewNop())
			require.NoError(t, err)

			var c lineCollector
			outcome, err := h.Process(context.Background(), "", repo, c.sink)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.want, outcome)
			assert.Equal(t, tc.lines, c.lines)
		})
	}
}

func TestCommandReceivesPath(t *testing.T) {
	t.Parallel()
	sh := requireShell(t)

	dir := t.TempDir()
	h, err := NewCommand(sh, []string{"-c", `echo "arg=$1"; echo "env=$POACHER_REPO_PATH"; pwd`, "handler"}, 0, nil)
	require.NoError(t, err)

	var c lineCollector
	outcome, err := h.Process(context.Background(), dir, poacher.Repository{ID: 1}, c.sink)
	require.NoError(t, err)
	assert.Equal(t, poacher.OutcomeAccepted, outcome)
	require.Len(t, c.lines, 3)
	assert.Equal(t, "arg="+dir, c.lines[0])
	assert.Equal(t, "env="+dir, c.lines[1])
}

func TestCommandTimeout(t *testing.T) {
	t.Parallel()
	sh := requireShell(t)

	h, err := NewCommand(sh, []string{"-c", "sleep 5"}, 50*time.Millisecond, nil)
	require.NoError(t, err)

	outcome, err := h.Process(context.Background(), "", poacher.Repository{}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, poacher.OutcomeFailed, outcome)
}

func TestCommandOutputHeldOpenByDescendant(t *testing.T) {
	t.Parallel()
	sh := requireShell(t)

	h, err := NewCommand(sh, []string{"-c", "echo found; sleep 5 & exit 0"}, 0, nil)
	require.NoError(t, err)
	h.waitDelay = 100 * time.Millisecond

	c := &lineCollector{}
	start := time.Now()
	outcome, err := h.Process(context.Background(), "", poacher.Repository{}, c.sink)
	require.NoError(t, err)
	assert.Equal(t, poacher.OutcomeAccepted, outcome)
	assert.Equal(t, []string{"found"}, c.lines)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandMissingBinary(t *testing.T) {
	t.Parallel()

	h, err := NewCommand(filepath.Join(t.TempDir(), "missing"), nil, 0, nil)
	require.NoError(t, err)
	outcome, err := h.Process(context.Background(), "", poacher.Repository{}, nil)
	require.Error(t, err)
	assert.Equal(t, poacher.OutcomeFailed, outcome)
}

func TestGitleaksWithoutWorkingCopy(t *testing.T) {
	t.Parallel()

	h, err := NewGitleaks(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "gitleaks", h.Name())

	var c lineCollector
	outcome, err := h.Process(context.Background(), "", poacher.Repository{FullName: "octo/widget"}, c.sink)
	require.NoError(t, err)
	assert.Equal(t, poacher.OutcomeRejected, outcome)
	assert.Len(t, c.lines, 1)
}

func TestGitleaksScansHistory(t *testing.T) {
	t.Parallel()

	gitPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command(gitPath, args...) // #nosec G204 -- test fixture
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "--quiet")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("nothing here\n"), 0o600))
	run("add", "README.md")
	run("commit", "--quiet", "-m", "clean")

	h, err := NewGitleaks(zap.NewNop())
	require.NoError(t, err)

	outcome, err := h.Process(context.Background(), dir, poacher.Repository{FullName: "octo/clean"}, nil)
	require.NoError(t, err)
	assert.Equal(t, poacher.OutcomeRejected, outcome)

	secret := "token = \"ghp_" + "R8m2QxV7pL4tZ9wK3nB6cY1hJ5sD0fGaE2uT" + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.ini"), []byte(secret), 0o600))
	run("add", "config.ini")
	run("commit", "--quiet", "-m", "oops")

	var c lineCollector
	outcome, err = h.Process(context.Background(), dir, poacher.Repository{FullName: "octo/leaky"}, c.sink)
	require.NoError(t, err)
	assert.Equal(t, poacher.OutcomeAccepted, outcome)
	require.NotEmpty(t, c.lines)
	assert.Contains(t, c.lines[0], "config.ini")
}
