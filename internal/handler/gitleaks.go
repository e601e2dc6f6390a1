package handler

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/cmd/scm"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/sources"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/poacher"
)

// Gitleaks scans the history of each working copy with the gitleaks default
// rule set. Repositories with findings are accepted; clean repositories and
// repositories without a working copy are rejected.
type Gitleaks struct {
	cfg    config.Config
	logger *zap.Logger
}

// NewGitleaks loads the embedded default gitleaks rule set.
func NewGitleaks(logger *zap.Logger) (*Gitleaks, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("read gitleaks config: %w", err)
	}
	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("unmarshal gitleaks config: %w", err)
	}
	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("translate gitleaks config: %w", err)
	}
	return &Gitleaks{cfg: cfg, logger: logger}, nil
}

// Name implements poacher.Handler.
func (g *Gitleaks) Name() string {
	return "gitleaks"
}

// Process implements poacher.Handler.
func (g *Gitleaks) Process(ctx context.Context, path string, repo poacher.Repository, log poacher.LogSink) (poacher.Outcome, error) {
	if path == "" {
		emit(log, "no working copy; nothing to scan")
		return poacher.OutcomeRejected, nil
	}

	_, span := otel.Tracer("poacher/handler").Start(ctx, "gitleaks.detect")
	span.SetAttributes(attribute.String("repository.name", repo.FullName))
	defer span.End()

	gitCmd, err := sources.NewGitLogCmd(path, "")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return poacher.OutcomeFailed, fmt.Errorf("create git log command: %w", err)
	}
	// A detector accumulates findings, so each scan gets a fresh one.
	detector := detect.NewDetector(g.cfg)
	findings, err := detector.DetectGit(gitCmd, &detect.RemoteInfo{Platform: scm.NoPlatform})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return poacher.OutcomeFailed, fmt.Errorf("scan %s: %w", repo.FullName, err)
	}
	span.SetAttributes(attribute.Int("findings.count", len(findings)))

	if len(findings) == 0 {
		emit(log, "no findings")
		return poacher.OutcomeRejected, nil
	}
	for _, f := range findings {
		emit(log, fmt.Sprintf("%s %s:%d commit %s", f.RuleID, f.File, f.StartLine, shortCommit(f.Commit)))
	}
	g.logger.Info("gitleaks findings",
		zap.String("repo", repo.FullName),
		zap.Int("findings", len(findings)),
	)
	return poacher.OutcomeAccepted, nil
}

func emit(log poacher.LogSink, msg string) {
	if log != nil {
		log(msg)
	}
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
