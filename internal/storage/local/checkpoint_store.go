package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/poacher/internal/poacher"
)

// CheckpointStore keeps the session marker in a YAML file.
type CheckpointStore struct {
	path string
}

// NewCheckpointStore returns a store backed by the file at path. The parent
// directory is created on the first Save.
func NewCheckpointStore(path string) (*CheckpointStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	return &CheckpointStore{path: path}, nil
}

// Path returns the checkpoint file location.
func (s *CheckpointStore) Path() string {
	return s.path
}

// Load reads the marker. A missing file yields a zero marker and missing
// keys keep their zero values.
func (s *CheckpointStore) Load(_ context.Context) (poacher.Marker, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return poacher.Marker{}, nil
	}
	if err != nil {
		return poacher.Marker{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var marker poacher.Marker
	if len(bytes.TrimSpace(data)) == 0 {
		return marker, nil
	}
	if err := yaml.Unmarshal(data, &marker); err != nil {
		return poacher.Marker{}, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	return marker, nil
}

// Save writes the marker, replacing the previous file atomically.
func (s *CheckpointStore) Save(_ context.Context, marker poacher.Marker) error {
	data, err := yaml.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	if err := writeAtomic(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}
