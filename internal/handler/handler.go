// Package handler provides the built-in repository handlers and a factory
// that selects one from configuration.
package handler

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/poacher"
)

// Kind names a built-in handler.
type Kind string

// Supported handler kinds. KindNone selects Monitor Mode.
const (
	KindNone     Kind = ""
	KindCommand  Kind = "command"
	KindGitleaks Kind = "gitleaks"
)

// ErrUnknownKind is returned for an unsupported handler kind.
var ErrUnknownKind = errors.New("unknown handler kind")

// Config selects and configures a handler.
type Config struct {
	Kind    Kind
	Command string
	Args    []string
	Timeout time.Duration
}

// New builds the configured handler. It returns (nil, nil) for KindNone.
func New(cfg Config, logger *zap.Logger) (poacher.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Kind {
	case KindNone:
		return nil, nil
	case KindCommand:
		h, err := NewCommand(cfg.Command, cfg.Args, cfg.Timeout, logger.Named("command"))
		if err != nil {
			return nil, err
		}
		return h, nil
	case KindGitleaks:
		h, err := NewGitleaks(logger.Named("gitleaks"))
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
