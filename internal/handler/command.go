package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/poacher"
)

// DefaultWaitDelay bounds how long output is collected after the program
// exits or is killed, for descendants that keep stdout open.
const DefaultWaitDelay = 5 * time.Second

// Exit codes understood by the command handler.
const (
	ExitAccepted = 0
	ExitRejected = 1
)

// Command runs an external program for each repository. The working copy
// path is passed as the last argument when one exists, and repository
// metadata is exported through POACHER_* environment variables. Each line the
// program writes to stdout is forwarded to the log sink.
type Command struct {
	name      string
	args      []string
	timeout   time.Duration
	waitDelay time.Duration
	logger    *zap.Logger
}

// NewCommand constructs a Command handler.
func NewCommand(name string, args []string, timeout time.Duration, logger *zap.Logger) (*Command, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("command handler requires a command")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{
		name:      name,
		args:      append([]string(nil), args...),
		timeout:   timeout,
		waitDelay: DefaultWaitDelay,
		logger:    logger,
	}, nil
}

// Name implements poacher.Handler.
func (c *Command) Name() string {
	return "command"
}

// Process implements poacher.Handler.
func (c *Command) Process(ctx context.Context, path string, repo poacher.Repository, log poacher.LogSink) (poacher.Outcome, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := append([]string(nil), c.args...)
	if path != "" {
		args = append(args, path)
	}
	// #nosec G204 -- the command is operator configuration.
	cmd := exec.CommandContext(ctx, c.name, args...)
	cmd.Env = append(os.Environ(),
		"POACHER_REPO_ID="+strconv.FormatInt(repo.ID, 10),
		"POACHER_REPO_NAME="+repo.FullName,
		"POACHER_REPO_URL="+repo.URL,
		"POACHER_REPO_SIZE_KB="+sizeEnv(repo.Size),
		"POACHER_REPO_PATH="+path,
	)
	if path != "" {
		cmd.Dir = path
	}

	stdout, sink := io.Pipe()
	cmd.Stdout = sink
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.WaitDelay = c.waitDelay

	if err := cmd.Start(); err != nil {
		_ = sink.Close()
		return poacher.OutcomeFailed, fmt.Errorf("start %s: %w", c.name, err)
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		forwardLines(stdout, log)
	}()

	err := cmd.Wait()
	_ = sink.Close()
	<-forwarded

	if errors.Is(err, exec.ErrWaitDelay) {
		c.logger.Warn("handler command left output open after exiting",
			zap.String("repo", repo.FullName),
			zap.Duration("wait_delay", c.waitDelay),
		)
		err = nil
	}
	if err == nil {
		return poacher.OutcomeAccepted, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return poacher.OutcomeFailed, fmt.Errorf("run %s: %w", c.name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitRejected {
		return poacher.OutcomeRejected, nil
	}
	c.logger.Debug("handler command failed",
		zap.String("repo", repo.FullName),
		zap.String("stderr", strings.TrimSpace(stderr.String())),
	)
	return poacher.OutcomeFailed, fmt.Errorf("run %s: %w", c.name, err)
}

func forwardLines(r io.Reader, log poacher.LogSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || log == nil {
			continue
		}
		log(line)
	}
	// Drain anything left after a scanner error so the writer never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func sizeEnv(s poacher.Size) string {
	if !s.Known {
		return ""
	}
	return strconv.FormatInt(s.KB, 10)
}
