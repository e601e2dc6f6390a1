// Package locator finds the highest assigned repository identifier using an
// exponential bracketing search followed by bisection over an existence
// oracle.
package locator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/metrics"
	"github.com/JakeFAU/poacher/internal/poacher"
)

const (
	// DefaultInitialSpan is the first probe distance when no growth hint exists.
	DefaultInitialSpan int64 = 64
	// DefaultStep is the first bracketing increment; it doubles after each hit.
	DefaultStep int64 = 16
)

// Config tunes the bracketing phase.
type Config struct {
	InitialSpan int64
	Step        int64
}

// Locator searches the identifier space through an Oracle.
type Locator struct {
	oracle poacher.Oracle
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	probes int
}

// New constructs a Locator.
func New(oracle poacher.Oracle, cfg Config, logger *zap.Logger) *Locator {
	if cfg.InitialSpan <= 0 {
		cfg.InitialSpan = DefaultInitialSpan
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{
		oracle: oracle,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("poacher/locator"),
	}
}

// Probes returns the number of oracle calls made by the last Locate.
func (l *Locator) Probes() int {
	return l.probes
}

// Locate returns the identifier N >= lower such that N exists and N+1 does
// not. lower is trusted to exist; hint is the expected distance to N and
// only affects the number of probes.
func (l *Locator) Locate(ctx context.Context, lower, hint int64) (int64, error) {
	ctx, span := l.tracer.Start(ctx, "locator.locate",
		trace.WithAttributes(
			attribute.Int64("lower", lower),
			attribute.Int64("hint", hint),
		))
	defer span.End()

	l.probes = 0
	if hint < 0 {
		hint = 0
	}
	upper := lower + hint
	if hint == 0 {
		upper = lower + l.cfg.InitialSpan
	}

	l.logger.Info("starting search for latest repository id",
		zap.Int64("last_id", lower),
		zap.Int64("hint", hint),
	)

	step := l.cfg.Step
	for {
		ok, err := l.probe(ctx, upper)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if !ok {
			l.logger.Debug("id not yet used", zap.Int64("id", upper))
			break
		}
		upper += step
		step *= 2
	}

	l.logger.Info("bisecting", zap.Int64("lower", lower), zap.Int64("upper", upper))
	for lower+1 < upper {
		mid := lower + (upper-lower)/2
		ok, err := l.probe(ctx, mid)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if ok {
			lower = mid
		} else {
			upper = mid
		}
	}

	span.SetAttributes(attribute.Int64("located", lower), attribute.Int("probes", l.probes))
	l.logger.Info("located latest repository id", zap.Int64("id", lower), zap.Int("probes", l.probes))
	return lower, nil
}

func (l *Locator) probe(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("probe id %d: %w", id, err)
	}
	l.probes++
	ok, err := l.oracle.Exists(ctx, id)
	if err != nil {
		metrics.ObserveProbe("error")
		return false, fmt.Errorf("probe id %d: %w", id, err)
	}
	if ok {
		metrics.ObserveProbe("hit")
	} else {
		metrics.ObserveProbe("miss")
	}
	l.logger.Debug("probed id", zap.Int64("id", id), zap.Bool("exists", ok))
	return ok, nil
}
