// Package git acquires working copies by shelling out to the git binary.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/poacher"
)

// Config controls how repositories are cloned.
type Config struct {
	// Binary is the git executable. Defaults to "git" on PATH.
	Binary string
	// Depth limits history; zero clones the full history.
	Depth int
	// Timeout bounds a single clone. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Cloner implements poacher.Acquirer with `git clone`.
type Cloner struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Cloner.
func New(cfg Config, logger *zap.Logger) *Cloner {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cloner{cfg: cfg, logger: logger}
}

// permanentMarkers are stderr fragments that retrying will not fix.
var permanentMarkers = []string{
	"repository not found",
	"could not read username",
	"authentication failed",
	"does not appear to be a git repository",
	"already exists and is not an empty directory",
	"access denied",
	"dmca",
}

// Acquire clones url into dest. dest must not exist.
func (c *Cloner) Acquire(ctx context.Context, url string, dest string) error {
	ctx, span := otel.Tracer("poacher/vcs/git").Start(ctx, "git.clone")
	span.SetAttributes(attribute.String("repository.url", url), attribute.String("clone.path", dest))
	defer span.End()

	if _, err := os.Lstat(dest); err == nil {
		err := &poacher.PermanentError{Op: "clone", Err: fmt.Errorf("destination %s already exists", dest)}
		span.SetStatus(codes.Error, err.Error())
		return err
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &poacher.TransientError{Op: "clone", Err: fmt.Errorf("stat destination: %w", err)}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	args := []string{"clone", "--quiet"}
	if c.cfg.Depth > 0 {
		args = append(args, "--depth="+strconv.Itoa(c.cfg.Depth))
	}
	args = append(args, "--", url, dest)

	// #nosec G204 -- arguments are passed without a shell and the URL comes
	// from the forge API.
	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(dest)
		classified := classify(ctx, err, stderr.String())
		span.SetStatus(codes.Error, classified.Error())
		return classified
	}
	c.logger.Debug("git clone finished",
		zap.String("url", url),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func classify(ctx context.Context, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	wrapped := fmt.Errorf("git clone failed: %w: %s", err, msg)

	if errors.Is(err, exec.ErrNotFound) {
		return &poacher.PermanentError{Op: "clone", Err: wrapped}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &poacher.TransientError{Op: "clone", Err: fmt.Errorf("%w: %w", ctxErr, wrapped)}
	}
	lower := strings.ToLower(msg)
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return &poacher.PermanentError{Op: "clone", Err: wrapped}
		}
	}
	return &poacher.TransientError{Op: "clone", Err: wrapped}
}
