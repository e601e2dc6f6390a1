// Package archive moves accepted working copies into permanent storage and
// removes rejected ones.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/metrics"
	"github.com/JakeFAU/poacher/internal/poacher"
)

// ManifestName is the file written next to every archived working copy.
const ManifestName = "info.txt"

const createdAtLayout = "01/02/2006 15:04:05"

// Config controls where archives are written.
type Config struct {
	// Dir is the permanent archive root. It is created on first use.
	Dir string
	// MirrorPrefix is prepended to manifest paths uploaded to the mirror.
	MirrorPrefix string
}

// Manager archives and removes working copies.
type Manager struct {
	cfg       Config
	mirror    poacher.BlobStore
	logger    *zap.Logger
	copyTree  func(src, dst string) error
	removeAll func(path string) error
	remove    func(path string) error
}

// New constructs a Manager. mirror may be nil.
func New(cfg Config, mirror poacher.BlobStore, logger *zap.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		mirror:    mirror,
		logger:    logger,
		copyTree:  CopyTree,
		removeAll: os.RemoveAll,
		remove:    os.Remove,
	}, nil
}

// EntryName returns the archive directory name for a working copy. The
// repository identifier keeps entries unique when names collide.
func EntryName(workingCopy string, repo poacher.Repository) string {
	return filepath.Base(workingCopy) + "_" + strconv.FormatInt(repo.ID, 10)
}

// Archive writes a manifest and a full copy of workingCopy into a new archive
// entry, then removes workingCopy. When the copy fails the working copy is
// left untouched and the error is returned.
func (m *Manager) Archive(
	ctx context.Context,
	workingCopy string,
	repo poacher.Repository,
	logs []string,
) (string, error) {
	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		metrics.ObserveArchive("archive", "error")
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	entry := filepath.Join(m.cfg.Dir, EntryName(workingCopy, repo))
	if err := os.Mkdir(entry, 0o750); err != nil {
		metrics.ObserveArchive("archive", "error")
		return "", fmt.Errorf("create archive entry: %w", err)
	}

	manifest := filepath.Join(entry, ManifestName)
	if err := writeManifest(manifest, repo, logs); err != nil {
		metrics.ObserveArchive("archive", "error")
		return "", err
	}

	if err := m.copyTree(workingCopy, filepath.Join(entry, filepath.Base(workingCopy))); err != nil {
		metrics.ObserveArchive("archive", "copy_failed")
		m.logger.Error("failed to copy repository files while archiving; leaving working copy in place",
			zap.String("working_copy", workingCopy),
			zap.String("archive_entry", entry),
			zap.Error(err),
		)
		return "", fmt.Errorf("copy working copy: %w", err)
	}

	if err := m.Remove(workingCopy); err != nil {
		m.logger.Warn("archived working copy could not be fully removed",
			zap.String("working_copy", workingCopy),
			zap.Error(err),
		)
	}

	metrics.ObserveArchive("archive", "ok")
	m.logger.Info("archived repository",
		zap.Int64("repo_id", repo.ID),
		zap.String("url", repo.URL),
		zap.String("archive_entry", entry),
	)
	m.mirrorManifest(ctx, entry, manifest)
	return entry, nil
}

func writeManifest(dest string, repo poacher.Repository, logs []string) (err error) {
	// #nosec G304 -- dest is built from the configured archive directory.
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close manifest: %w", cerr)
		}
	}()

	created := "unknown"
	if !repo.CreatedAt.IsZero() {
		created = repo.CreatedAt.UTC().Format(createdAtLayout)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "URL : %s\n", repo.URL)
	fmt.Fprintf(w, "created at : %s\n", created)
	if len(logs) > 0 {
		fmt.Fprint(w, "\nlogs:\n\n")
		for _, line := range logs {
			fmt.Fprintf(w, "%s\n", line)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (m *Manager) mirrorManifest(ctx context.Context, entry, manifest string) {
	if m.mirror == nil {
		return
	}
	// #nosec G304 -- manifest was just written by this process.
	f, err := os.Open(manifest)
	if err != nil {
		m.logger.Warn("open manifest for mirror failed", zap.String("manifest", manifest), zap.Error(err))
		return
	}
	defer f.Close() //nolint:errcheck // read-only handle

	key := path.Join(m.cfg.MirrorPrefix, filepath.Base(entry), ManifestName)
	uri, err := m.mirror.PutObject(ctx, key, "text/plain; charset=utf-8", f)
	if err != nil {
		metrics.ObserveArchive("mirror", "error")
		m.logger.Warn("mirror manifest failed", zap.String("key", key), zap.Error(err))
		return
	}
	metrics.ObserveArchive("mirror", "ok")
	m.logger.Debug("mirrored manifest", zap.String("uri", uri))
}

// Remove deletes path, clearing read-only permission bits first. When the
// tree cannot be removed in one pass every entry is removed individually and
// each failure is logged; the joined failures are returned.
func (m *Manager) Remove(target string) error {
	if target == "" {
		return nil
	}
	if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	makeWritable(target)
	if err := m.removeAll(target); err == nil {
		metrics.ObserveArchive("remove", "ok")
		return nil
	}

	var entries []string
	_ = filepath.WalkDir(target, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			m.logger.Warn("failed to read entry for removal", zap.String("path", p), zap.Error(err))
		}
		entries = append(entries, p)
		return nil
	})

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := m.remove(entries[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to remove entry, abandoning", zap.String("path", entries[i]), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		metrics.ObserveArchive("remove", "error")
		return fmt.Errorf("remove %s: %w", target, errors.Join(errs...))
	}
	metrics.ObserveArchive("remove", "ok")
	return nil
}

func makeWritable(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mode := info.Mode().Perm() | 0o200
		if d.IsDir() {
			mode |= 0o700
		}
		_ = os.Chmod(p, mode)
		return nil
	})
}
