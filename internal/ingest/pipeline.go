// Package ingest implements the per-repository ingestion pipeline: name
// filtering, the size guard, acquisition, the retried handler call and the
// archive-or-discard disposition.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/logging"
	"github.com/JakeFAU/poacher/internal/metrics"
	"github.com/JakeFAU/poacher/internal/poacher"
)

// Defaults applied by New when the corresponding Config field is unset.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = time.Second
)

// errReportedFailure marks an attempt whose handler returned OutcomeFailed
// without an error; it is retried like any other failed attempt.
var errReportedFailure = errors.New("handler reported failure")

// Skip reasons reported in Result.Skipped.
const (
	SkipMonitor  = "monitor"
	SkipFiltered = "filtered"
)

// Config controls Pipeline behavior.
type Config struct {
	// Clone enables acquisition and the archive lifecycle.
	Clone bool
	// MaxRepoSizeKB skips acquisition of larger repositories. Zero disables
	// the guard.
	MaxRepoSizeKB int64
	// WorkingDir receives working copies as WorkingDir/<repo name>.
	WorkingDir string
	// MaxRetries is the number of handler retries after the first attempt.
	// Negative values disable retries.
	MaxRetries int
	// RetryDelay is the fixed pause between handler attempts.
	RetryDelay time.Duration
	Include    []string
	Exclude    []string
}

// Archiver is the archive lifecycle used after a handler decision.
type Archiver interface {
	Archive(ctx context.Context, workingCopy string, repo poacher.Repository, logs []string) (string, error)
	Remove(path string) error
}

// Result summarizes what happened to one repository.
type Result struct {
	Outcome     poacher.Outcome
	Attempts    int
	WorkingCopy string
	Archived    bool
	ArchivePath string
	// Skipped is non-empty when the repository bypassed the handler.
	Skipped string
}

// Pipeline hands discovered repositories to a Handler.
type Pipeline struct {
	cfg      Config
	handler  poacher.Handler
	acquirer poacher.Acquirer
	archiver Archiver
	filter   *Filter
	logger   *zap.Logger
}

// New constructs a Pipeline. A nil handler puts the pipeline in monitor
// mode: repositories are only logged. acquirer and archiver are required
// when cfg.Clone is set.
func New(
	cfg Config,
	handler poacher.Handler,
	acquirer poacher.Acquirer,
	archiver Archiver,
	logger *zap.Logger,
) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if handler == nil {
		cfg.Clone = false
	}
	if cfg.Clone && (acquirer == nil || archiver == nil) {
		return nil, errors.New("cloning requires an acquirer and an archiver")
	}
	if cfg.Clone && cfg.WorkingDir == "" {
		return nil, errors.New("cloning requires a working directory")
	}

	filter, err := NewFilter(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		handler:  handler,
		acquirer: acquirer,
		archiver: archiver,
		filter:   filter,
		logger:   logger,
	}, nil
}

// MonitorOnly reports whether the pipeline only observes repositories.
func (p *Pipeline) MonitorOnly() bool {
	return p.handler == nil
}

// Process runs one repository through the pipeline. It never returns an
// error: every per-repository failure is logged and reflected in Result.
func (p *Pipeline) Process(ctx context.Context, repo poacher.Repository) Result {
	ctx, span := otel.Tracer("poacher/ingest").Start(ctx, "ingest.process")
	span.SetAttributes(
		attribute.Int64("repo.id", repo.ID),
		attribute.String("repo.full_name", repo.FullName),
	)
	defer span.End()

	log := p.logger.With(zap.Int64("repo_id", repo.ID), zap.String("repo", repo.FullName))

	if p.MonitorOnly() {
		log.Info("observed repository",
			zap.String("url", repo.URL),
			zap.Stringer("size", repo.Size),
			zap.Time("created_at", repo.CreatedAt),
		)
		metrics.ObserveRepo("monitored")
		return Result{Skipped: SkipMonitor}
	}

	if !p.filter.Admit(repo.FullName) {
		log.Info("repository rejected by name filter")
		metrics.ObserveRepo("filtered")
		return Result{Skipped: SkipFiltered}
	}

	workingCopy := p.acquire(ctx, repo, log)

	var logs []string
	sink := logging.HandlerSink(p.logger, p.handler.Name(), func(msg string) {
		logs = append(logs, msg)
	})
	outcome, attempts := p.invoke(ctx, workingCopy, repo, sink, log)
	metrics.ObserveHandlerOutcome(p.handler.Name(), string(outcome))
	metrics.ObserveRepo("processed")
	span.SetAttributes(attribute.String("handler.outcome", string(outcome)))

	res := Result{Outcome: outcome, Attempts: attempts, WorkingCopy: workingCopy}
	p.dispose(ctx, repo, logs, log, &res)
	return res
}

func (p *Pipeline) acquire(ctx context.Context, repo poacher.Repository, log *zap.Logger) string {
	if !p.cfg.Clone {
		return ""
	}
	if p.cfg.MaxRepoSizeKB > 0 && repo.Size.Exceeds(p.cfg.MaxRepoSizeKB) {
		log.Info("repository too large, skipping clone",
			zap.Stringer("size", repo.Size),
			zap.Int64("max_repo_size_kb", p.cfg.MaxRepoSizeKB),
		)
		return ""
	}

	cloneURL := repo.CloneURL
	if cloneURL == "" {
		cloneURL = repo.URL
	}
	dest := filepath.Join(p.cfg.WorkingDir, repo.Name)
	if err := p.acquirer.Acquire(ctx, cloneURL, dest); err != nil {
		var transient *poacher.TransientError
		log.Warn("clone failed, continuing without a working copy",
			zap.String("url", cloneURL),
			zap.Bool("transient", errors.As(err, &transient)),
			zap.Error(err),
		)
		return ""
	}
	log.Debug("cloned repository", zap.String("dest", dest))
	return dest
}

func (p *Pipeline) invoke(
	ctx context.Context,
	workingCopy string,
	repo poacher.Repository,
	sink poacher.LogSink,
	log *zap.Logger,
) (poacher.Outcome, int) {
	name := p.handler.Name()
	attempts := 0
	outcome := poacher.OutcomeFailed

	operation := func() error {
		attempts++
		out, err := p.handler.Process(ctx, workingCopy, repo, sink)
		if err == nil && out == poacher.OutcomeFailed {
			err = errReportedFailure
		}
		if err != nil {
			metrics.ObserveHandlerAttempt(name, "error")
			return fmt.Errorf("handler %s attempt %d: %w", name, attempts, err)
		}
		metrics.ObserveHandlerAttempt(name, "ok")
		outcome = out
		return nil
	}

	policy := backoff.WithContext(p.retryPolicy(), ctx)
	notify := func(err error, next time.Duration) {
		log.Warn("handler attempt failed, retrying", zap.Duration("retry_in", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		log.Error("handler failed after all attempts", zap.Int("attempts", attempts), zap.Error(err))
		return poacher.OutcomeFailed, attempts
	}

	switch outcome {
	case poacher.OutcomeAccepted, poacher.OutcomeRejected, poacher.OutcomeFailed:
	default:
		log.Warn("handler returned unknown outcome, treating as failed", zap.String("outcome", string(outcome)))
		outcome = poacher.OutcomeFailed
	}
	return outcome, attempts
}

// retryPolicy spaces attempts by RetryDelay. WithMaxRetries treats zero as
// unlimited, so disabled retries stop after the first attempt instead.
func (p *Pipeline) retryPolicy() backoff.BackOff {
	if p.cfg.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(
		backoff.NewConstantBackOff(p.cfg.RetryDelay),
		uint64(p.cfg.MaxRetries), //nolint:gosec // positive
	)
}

func (p *Pipeline) dispose(
	ctx context.Context,
	repo poacher.Repository,
	logs []string,
	log *zap.Logger,
	res *Result,
) {
	if !p.cfg.Clone || res.WorkingCopy == "" {
		return
	}

	if res.Outcome == poacher.OutcomeAccepted {
		entry, err := p.archiver.Archive(ctx, res.WorkingCopy, repo, logs)
		if err != nil {
			log.Error("archive failed, working copy left in place",
				zap.String("working_copy", res.WorkingCopy),
				zap.Error(err),
			)
			return
		}
		res.Archived = true
		res.ArchivePath = entry
		return
	}

	if err := p.archiver.Remove(res.WorkingCopy); err != nil {
		log.Warn("failed to remove working copy", zap.String("working_copy", res.WorkingCopy), zap.Error(err))
	}
}
