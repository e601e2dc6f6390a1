package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/poacher"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("exit status 128")
	tests := []struct {
		name      string
		stderr    string
		permanent bool
	}{
		{name: "missing repo", stderr: "remote: Repository not found.\nfatal: repository 'x' not found", permanent: true},
		{name: "private repo", stderr: "fatal: could not read Username for 'https://github.com'", permanent: true},
		{name: "network", stderr: "fatal: unable to access 'x': Could not resolve host: github.com", permanent: false},
		{name: "reset", stderr: "error: RPC failed; curl 56 Recv failure: Connection reset by peer", permanent: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classify(context.Background(), base, tc.stderr)
			var perm *poacher.PermanentError
			var trans *poacher.TransientError
			if tc.permanent {
				assert.ErrorAs(t, err, &perm)
			} else {
				assert.ErrorAs(t, err, &trans)
			}
			assert.ErrorIs(t, err, base)
		})
	}
}

func TestClassifyCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := classify(ctx, errors.New("signal: killed"), "")
	var trans *poacher.TransientError
	require.ErrorAs(t, err, &trans)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireRejectsExistingDestination(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	err := New(Config{}, zap.NewNop()).Acquire(context.Background(), "https://github.com/octo/widget.git", dest)
	var perm *poacher.PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestAcquireMissingBinary(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "widget")
	c := New(Config{Binary: filepath.Join(t.TempDir(), "no-such-git")}, nil)
	err := c.Acquire(context.Background(), "https://github.com/octo/widget.git", dest)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAcquireLocalRepository(t *testing.T) {
	t.Parallel()

	gitPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git binary not available")
	}

	src := filepath.Join(t.TempDir(), "src")
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command(gitPath, args...) // #nosec G204 -- test fixture
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "--quiet", src)
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("hello"), 0o600))
	run("-C", src, "add", "README.md")
	run("-C", src, "commit", "--quiet", "-m", "init")

	dest := filepath.Join(t.TempDir(), "widget")
	c := New(Config{Binary: gitPath, Depth: 1}, zap.NewNop())
	require.NoError(t, c.Acquire(context.Background(), "file://"+src, dest))

	data, err := os.ReadFile(filepath.Join(dest, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	missing := filepath.Join(t.TempDir(), "missing")
	err = c.Acquire(context.Background(), "file://"+filepath.Join(t.TempDir(), "nope"), missing)
	require.Error(t, err)
	var perm *poacher.PermanentError
	assert.ErrorAs(t, err, &perm)
}
