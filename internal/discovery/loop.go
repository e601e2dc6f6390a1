// Package discovery runs the bootstrap and polling loop that tracks newly
// created repositories and hands them to the ingestion pipeline.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/ingest"
	"github.com/JakeFAU/poacher/internal/metrics"
	"github.com/JakeFAU/poacher/internal/poacher"
)

var (
	// ErrBootstrap marks a failure to load the checkpoint or locate the
	// current identifier. It is fatal.
	ErrBootstrap = errors.New("bootstrap failed")
	// ErrListing marks a failed listing call. It is fatal.
	ErrListing = errors.New("listing failed")
	// ErrNotBootstrapped is returned by Run before Bootstrap succeeded.
	ErrNotBootstrapped = errors.New("discovery loop not bootstrapped")
)

// Locator finds the highest assigned identifier above a known lower bound.
type Locator interface {
	Locate(ctx context.Context, lower, hint int64) (int64, error)
}

// Ingester processes a single discovered repository.
type Ingester interface {
	Process(ctx context.Context, repo poacher.Repository) ingest.Result
}

// Config controls Loop behavior.
type Config struct {
	// SkipEmpty skips repositories the forge reports as exactly 0 KB.
	SkipEmpty bool
	// PollInterval pauses after an empty listing. Zero polls again at once.
	PollInterval time.Duration
	// CheckpointInterval saves the marker periodically while polling. Zero
	// saves only when the session is finalized.
	CheckpointInterval time.Duration
	// Topic receives a notification per observed repository when a
	// publisher is configured.
	Topic string
}

// SessionStats summarizes a session for logs and the status command.
type SessionStats struct {
	SessionID      string        `json:"session_id"`
	StartingID     int64         `json:"starting_id"`
	NewestID       int64         `json:"newest_id"`
	NewIDs         int64         `json:"new_ids"`
	ReposObserved  int64         `json:"repos_observed"`
	Duration       time.Duration `json:"duration"`
	SessionAverage float64       `json:"session_average_per_minute"`
	RunningAverage float64       `json:"running_average_per_minute"`
	Sessions       int64         `json:"sessions"`
}

// StatsFor derives SessionStats from a marker.
func StatsFor(m poacher.Marker) SessionStats {
	return SessionStats{
		SessionID:      m.SessionID,
		StartingID:     m.StartingID,
		NewestID:       m.NewestID,
		NewIDs:         m.NewIDs(),
		ReposObserved:  m.ReposObserved,
		Duration:       m.SessionDuration(),
		SessionAverage: m.SessionAverage(),
		RunningAverage: m.RunningAverage(),
		Sessions:       m.SessionCount,
	}
}

// Loop owns the session marker and drives discovery.
type Loop struct {
	lister    poacher.Lister
	locator   Locator
	store     poacher.CheckpointStore
	ingester  Ingester
	publisher poacher.Publisher
	clock     poacher.Clock
	ids       poacher.IDGenerator
	cfg       Config
	logger    *zap.Logger

	mu           sync.RWMutex
	marker       poacher.Marker
	bootstrapped bool
	lastFlush    time.Time

	finalizeOnce sync.Once
	finalizeErr  error
}

// New constructs a Loop. publisher may be nil.
func New(
	lister poacher.Lister,
	locator Locator,
	store poacher.CheckpointStore,
	ingester Ingester,
	publisher poacher.Publisher,
	clock poacher.Clock,
	ids poacher.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		lister:    lister,
		locator:   locator,
		store:     store,
		ingester:  ingester,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Bootstrap loads the checkpoint, locates the current identifier and starts
// a new session at it. It returns the located identifier.
func (l *Loop) Bootstrap(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer("poacher/discovery").Start(ctx, "discovery.bootstrap")
	defer span.End()

	marker, err := l.store.Load(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: load checkpoint: %w", ErrBootstrap, err)
	}

	now := l.clock.Now()
	var hint int64
	if !marker.CheckpointedAt.IsZero() {
		hint = PredictGrowth(marker.CumulativeAverageSum, marker.SessionCount, now.Sub(marker.CheckpointedAt))
	}
	lower := max(marker.LastKnownID, marker.NewestID)

	l.logger.Info("locating current repository id",
		zap.Int64("last_known_id", lower),
		zap.Int64("predicted_growth", hint),
		zap.Int64("sessions", marker.SessionCount),
	)

	located, err := l.locator.Locate(ctx, lower, hint)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: locate current id: %w", ErrBootstrap, err)
	}

	sessionID, err := l.ids.NewID()
	if err != nil {
		return 0, fmt.Errorf("%w: session id: %w", ErrBootstrap, err)
	}

	marker.Begin(sessionID, located, l.clock.Now())
	span.SetAttributes(attribute.Int64("discovery.located_id", located))

	l.mu.Lock()
	l.marker = marker
	l.bootstrapped = true
	l.lastFlush = marker.SessionStart
	l.mu.Unlock()

	metrics.ObserveBatch(0, located)
	l.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.Int64("starting_id", located),
	)
	return located, nil
}

// Poll performs one listing step and processes every returned repository in
// ascending identifier order. It returns the number of repositories handed
// on. A canceled context stops the batch between repositories.
func (l *Loop) Poll(ctx context.Context) (int, error) {
	cursor := l.Snapshot().NewestID

	ctx, span := otel.Tracer("poacher/discovery").Start(ctx, "discovery.poll")
	span.SetAttributes(attribute.Int64("discovery.cursor", cursor))
	defer span.End()

	repos, err := l.lister.ListSince(ctx, cursor)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: list since %d: %w", ErrListing, cursor, err)
	}
	if len(repos) == 0 {
		return 0, nil
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].ID < repos[j].ID })
	span.SetAttributes(attribute.Int("discovery.batch", len(repos)))

	l.mu.Lock()
	l.marker.Observe(len(repos), l.clock.Now())
	sessionID := l.marker.SessionID
	l.mu.Unlock()
	metrics.ObserveBatch(len(repos), repos[len(repos)-1].ID)

	handled := 0
	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		l.mu.Lock()
		l.marker.Advance(repo.ID)
		l.mu.Unlock()
		handled++

		l.publish(ctx, sessionID, repo)

		if l.cfg.SkipEmpty && repo.Size.IsEmpty() {
			l.logger.Debug("skipping empty repository",
				zap.Int64("repo_id", repo.ID),
				zap.String("repo", repo.FullName),
			)
			metrics.ObserveRepo("skipped_empty")
			continue
		}
		l.ingester.Process(ctx, repo)
	}

	l.maybeFlush(ctx)
	return handled, nil
}

func (l *Loop) publish(ctx context.Context, sessionID string, repo poacher.Repository) {
	if l.publisher == nil || l.cfg.Topic == "" {
		return
	}
	payload := poacher.NewDiscovered(sessionID, repo, l.clock.Now())
	if _, err := l.publisher.Publish(ctx, l.cfg.Topic, payload); err != nil {
		l.logger.Warn("publish discovered repository failed",
			zap.Int64("repo_id", repo.ID),
			zap.String("topic", l.cfg.Topic),
			zap.Error(err),
		)
	}
}

func (l *Loop) maybeFlush(ctx context.Context) {
	if l.cfg.CheckpointInterval <= 0 {
		return
	}
	now := l.clock.Now()

	l.mu.Lock()
	if now.Sub(l.lastFlush) < l.cfg.CheckpointInterval {
		l.mu.Unlock()
		return
	}
	l.lastFlush = now
	l.marker.CheckpointedAt = now
	snapshot := l.marker
	l.mu.Unlock()

	if err := l.store.Save(ctx, snapshot); err != nil {
		l.logger.Warn("periodic checkpoint failed", zap.Error(err))
		return
	}
	l.logger.Debug("checkpoint saved", zap.Int64("newest_id", snapshot.NewestID))
}

// Run polls until ctx is canceled or a listing call fails. Cancellation is
// a clean stop and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.RLock()
	ready := l.bootstrapped
	l.mu.RUnlock()
	if !ready {
		return ErrNotBootstrapped
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := l.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("listing failed, stopping", zap.Error(err))
			return err
		}
		if n == 0 && l.cfg.PollInterval > 0 {
			if err := l.clock.Sleep(ctx, l.cfg.PollInterval); err != nil {
				return nil
			}
		}
	}
}

// Finalize folds the session into the aggregate and saves the marker. Only
// the first call has an effect; later calls return the first result.
func (l *Loop) Finalize(ctx context.Context) error {
	l.finalizeOnce.Do(func() {
		l.mu.Lock()
		if !l.bootstrapped {
			l.mu.Unlock()
			return
		}
		l.marker.Finalize(l.clock.Now())
		snapshot := l.marker
		l.mu.Unlock()

		if err := l.store.Save(ctx, snapshot); err != nil {
			l.finalizeErr = fmt.Errorf("save checkpoint: %w", err)
			l.logger.Error("failed to save final checkpoint", zap.Error(err))
			return
		}

		stats := StatsFor(snapshot)
		l.logger.Info("session finished",
			zap.String("session_id", stats.SessionID),
			zap.Int64("new_ids", stats.NewIDs),
			zap.Int64("repos_observed", stats.ReposObserved),
			zap.Duration("duration", stats.Duration),
			zap.Float64("session_average_per_minute", stats.SessionAverage),
			zap.Float64("running_average_per_minute", stats.RunningAverage),
			zap.Int64("last_known_id", snapshot.LastKnownID),
		)
	})
	return l.finalizeErr
}

// Snapshot returns a copy of the current marker.
func (l *Loop) Snapshot() poacher.Marker {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.marker
}

// Bootstrapped reports whether a session has started.
func (l *Loop) Bootstrapped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bootstrapped
}

// Stats returns statistics for the running session.
func (l *Loop) Stats() SessionStats {
	return StatsFor(l.Snapshot())
}
