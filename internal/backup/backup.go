// Package backup archives one account's trader data (database, params,
// exports) into a tar.gz with a checksum manifest and uploads it to an
// S3-compatible bucket, pruning old archives past the retention window.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/config"
)

// minKeep archives survive rotation regardless of age.
const minKeep = 3

// Object is one stored archive.
type Object struct {
	Key  string
	Size int64
}

// ObjectStore is the remote side. The production implementation is the
// aws-sdk S3 store; tests use an in-memory one.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// Manifest describes one archive. It travels inside the archive as
// manifest.json.
type Manifest struct {
	AccountID string         `json:"account_id"`
	Timestamp time.Time      `json:"timestamp"`
	Files     []ManifestFile `json:"files"`
}

// ManifestFile is one archived file with its integrity checksum.
type ManifestFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Info summarizes one remote archive for listings.
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// Service creates, uploads and rotates backups for one account.
type Service struct {
	cfg       config.BackupConfig
	accountID string
	sources   []string
	store     ObjectStore
	log       zerolog.Logger

	// Prepare runs before the archive is built; the trader installs its
	// WAL checkpoint here so the database file on disk is current.
	Prepare func() error

	now func() time.Time
}

// New creates a backup service over an object store. Sources may be files or
// directories; missing entries are skipped, not fatal.
func New(cfg config.BackupConfig, accountID string, sources []string, store ObjectStore, log zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		accountID: accountID,
		sources:   sources,
		store:     store,
		log:       log.With().Str("component", "backup").Str("account_id", accountID).Logger(),
		now:       time.Now,
	}
}

func (s *Service) keyPrefix() string {
	prefix := fmt.Sprintf("qtrader-backup-%s-", s.accountID)
	if s.cfg.Prefix != "" {
		prefix = strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + prefix
	}
	return prefix
}

func (s *Service) archiveKey(ts time.Time) string {
	return s.keyPrefix() + ts.Format("2006-01-02-150405") + ".tar.gz"
}

// Run builds one archive, uploads it, and rotates old ones. Satisfies the
// jobs backup runner contract.
func (s *Service) Run(ctx context.Context) error {
	start := s.now()
	s.log.Info().Msg("Backup starting")

	if s.Prepare != nil {
		if err := s.Prepare(); err != nil {
			return fmt.Errorf("backup: prepare: %w", err)
		}
	}

	staging, err := os.MkdirTemp("", "qtrader-backup-")
	if err != nil {
		return fmt.Errorf("backup: create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	archivePath := filepath.Join(staging, "archive.tar.gz")
	manifest, err := s.buildArchive(archivePath)
	if err != nil {
		return err
	}
	if len(manifest.Files) == 0 {
		return fmt.Errorf("backup: nothing to archive for %s", s.accountID)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer f.Close()

	key := s.archiveKey(start)
	if err := s.store.Upload(ctx, key, f); err != nil {
		return fmt.Errorf("backup: upload %s: %w", key, err)
	}

	info, _ := os.Stat(archivePath)
	s.log.Info().
		Str("key", key).
		Int("files", len(manifest.Files)).
		Int64("size_bytes", info.Size()).
		Dur("elapsed", s.now().Sub(start)).
		Msg("Backup uploaded")

	if err := s.Rotate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// buildArchive collects the sources into a tar.gz at path and returns the
// manifest it embedded.
func (s *Service) buildArchive(path string) (*Manifest, error) {
	manifest := &Manifest{AccountID: s.accountID, Timestamp: s.now().UTC()}

	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("backup: create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, src := range s.sources {
		if err := s.addSource(tw, manifest, src); err != nil {
			return nil, err
		}
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: marshal manifest: %w", err)
	}
	hdr := &tar.Header{Name: "manifest.json", Size: int64(len(raw)), Mode: 0o644, ModTime: s.now()}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("backup: write manifest header: %w", err)
	}
	if _, err := tw.Write(raw); err != nil {
		return nil, fmt.Errorf("backup: write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("backup: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("backup: close gzip: %w", err)
	}
	return manifest, nil
}

// addSource archives one file or directory tree. Missing sources are skipped
// so a trader without exports yet still backs up its database.
func (s *Service) addSource(tw *tar.Writer, manifest *Manifest, src string) error {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		s.log.Debug().Str("source", src).Msg("Backup source missing, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup: stat %s: %w", src, err)
	}

	if !info.IsDir() {
		return s.addFile(tw, manifest, src, filepath.Base(src))
	}

	base := filepath.Base(src)
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return s.addFile(tw, manifest, path, filepath.Join(base, rel))
	})
}

func (s *Service) addFile(tw *tar.Writer, manifest *Manifest, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("backup: stat %s: %w", path, err)
	}

	hdr := &tar.Header{
		Name:    nameInArchive,
		Size:    fi.Size(),
		Mode:    int64(fi.Mode()),
		ModTime: fi.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("backup: write header %s: %w", nameInArchive, err)
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, hash), f); err != nil {
		return fmt.Errorf("backup: archive %s: %w", nameInArchive, err)
	}

	manifest.Files = append(manifest.Files, ManifestFile{
		Path:      nameInArchive,
		SizeBytes: fi.Size(),
		Checksum:  fmt.Sprintf("sha256:%x", hash.Sum(nil)),
	})
	return nil
}

// List returns this account's remote archives, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	prefix := s.keyPrefix()
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}

	out := make([]Info, 0, len(objects))
	for _, obj := range objects {
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), ".tar.gz")
		ts, err := time.Parse("2006-01-02-150405", stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping archive with unparsable timestamp")
			continue
		}
		out = append(out, Info{Key: obj.Key, Timestamp: ts, SizeBytes: obj.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Rotate deletes archives older than the retention window, always keeping
// the newest minKeep. RetentionDays 0 keeps everything.
func (s *Service) Rotate(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}

	archives, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(archives) <= minKeep {
		return nil
	}

	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted := 0
	for i, archive := range archives {
		if i < minKeep || !archive.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, archive.Key); err != nil {
			s.log.Warn().Err(err).Str("key", archive.Key).Msg("Deleting old archive failed")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Old archives removed")
	}
	return nil
}
