// Package blob implements the content-addressed blob store: one physical
// file per distinct content hash, shared by every namespace node that
// references it and reclaimed once its reference count reaches zero.
package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyvault/skyvault/internal/catalog"
	"github.com/skyvault/skyvault/internal/lockmap"
	"github.com/skyvault/skyvault/internal/metrics"
)

// maxCommitAttempts bounds the increment/insert race loop in Commit.
const maxCommitAttempts = 8

var errLostRace = errors.New("lost blob insert race")

// Record is the persisted metadata of one stored blob.
type Record struct {
	Hash      string    `json:"hash"`
	Volume    string    `json:"volume"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	RefCount  int64     `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the blob catalog.
type Stats struct {
	Blobs       int64            `json:"blobs"`
	StoredBytes int64            `json:"stored_bytes"`
	References  int64            `json:"references"`
	Volumes     []VolumeSnapshot `json:"volumes"`
}

// Options configures a Store.
type Options struct {
	Volumes      []string               // Storage volume roots
	MinFreeBytes int64                  // Free-space floor per volume
	Metrics      *metrics.StorageMetrics // Optional
	Logger       zerolog.Logger          // Structured logger (optional)
}

// Store is the content-addressed blob store. A new file is placed inside
// the transaction that inserts its row; a reclaimed file is removed only
// after the row deletion has committed. Both hold the hash's file lock so a
// reclaim never removes a file that a concurrent commit has just placed.
type Store struct {
	db      *catalog.DB
	files   *lockmap.Keyed
	volumes *VolumeSet
	metrics *metrics.StorageMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a blob store over db.
func New(db *catalog.DB, opts Options) *Store {
	return &Store{
		db:      db,
		files:   lockmap.NewKeyed(),
		volumes: NewVolumeSet(opts.Volumes, opts.MinFreeBytes, opts.Metrics, opts.Logger),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// Volumes returns the volume set used for placement.
func (s *Store) Volumes() *VolumeSet {
	return s.volumes
}

// BlobPath returns the on-disk location of hash inside volume.
func BlobPath(volume, hash string) string {
	return filepath.Join(volume, hash[:2], hash)
}

const recordColumns = "hash, volume, path, size, ref_count, created_at"

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var created int64
	if err := row.Scan(&rec.Hash, &rec.Volume, &rec.Path, &rec.Size, &rec.RefCount, &created); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

// Lookup returns the record for hash.
func (s *Store) Lookup(ctx context.Context, hash string) (*Record, error) {
	return lookup(ctx, s.db, hash)
}

func lookup(ctx context.Context, q catalog.Querier, hash string) (*Record, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}
	rec, err := scanRecord(q.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM blobs WHERE hash = ?", hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup blob %s: %w", hash, err)
	}
	return rec, nil
}

// SelectVolume picks the volume that should receive a new blob of size bytes.
func (s *Store) SelectVolume(size int64) (string, error) {
	return s.volumes.Select(size)
}

// Commit stores the file at srcPath under hash. If the hash is already
// stored the reference count is incremented and srcPath is removed;
// otherwise the file is moved into a volume and a record with one
// reference is created. srcPath is consumed either way on success.
func (s *Store) Commit(ctx context.Context, hash, srcPath string, size int64) (*Record, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		rec, err := s.increment(ctx, s.db, hash)
		if err == nil {
			if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn().Err(rmErr).Str("path", srcPath).Msg("failed to remove duplicate upload")
			}
			s.metrics.RecordCommit(true)
			s.logger.Debug().Str("hash", hash).Int64("refs", rec.RefCount).Msg("blob deduplicated")
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		rec, err = s.insert(ctx, hash, srcPath, size)
		if err == nil {
			s.metrics.RecordCommit(false)
			s.logger.Debug().Str("hash", hash).Str("volume", rec.Volume).Int64("size", size).Msg("blob stored")
			return rec, nil
		}
		if !errors.Is(err, errLostRace) {
			return nil, err
		}
		// Another writer created the row between our increment and insert.
	}
	return nil, fmt.Errorf("commit blob %s: too many concurrent attempts", hash)
}

func (s *Store) insert(ctx context.Context, hash, srcPath string, size int64) (*Record, error) {
	volume, err := s.volumes.Select(size)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Hash:      hash,
		Volume:    volume,
		Path:      BlobPath(volume, hash),
		Size:      size,
		RefCount:  1,
		CreatedAt: s.now().UTC(),
	}

	unlock := s.files.Lock(hash)
	defer unlock()

	err = s.db.WithTx(ctx, func(tx *catalog.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO blobs ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?)",
			rec.Hash, rec.Volume, rec.Path, rec.Size, rec.RefCount, rec.CreatedAt.UnixNano())
		if err != nil {
			if catalog.IsUniqueViolation(err) {
				return errLostRace
			}
			return fmt.Errorf("insert blob: %w", err)
		}
		return placeFile(srcPath, rec.Path)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Increment adds one reference to an existing blob.
func (s *Store) Increment(ctx context.Context, hash string) (*Record, error) {
	return s.increment(ctx, s.db, hash)
}

// Retain adds one reference to an existing blob inside the caller's
// transaction.
func (s *Store) Retain(ctx context.Context, q catalog.Querier, hash string) (*Record, error) {
	return s.increment(ctx, q, hash)
}

func (s *Store) increment(ctx context.Context, q catalog.Querier, hash string) (*Record, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}
	rec, err := scanRecord(q.QueryRowContext(ctx,
		"UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ? RETURNING "+recordColumns, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("increment blob %s: %w", hash, err)
	}
	return rec, nil
}

// Decrement drops one reference. When the count reaches zero the record
// and its file are removed and a nil record is returned. The file is
// removed only once the record deletion has committed. A file already
// missing from disk, or one that cannot be removed, is logged and does not
// fail the call.
func (s *Store) Decrement(ctx context.Context, hash string) (*Record, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}

	unlock := s.files.Lock(hash)
	defer unlock()

	var out, gone *Record
	err := s.db.WithTx(ctx, func(tx *catalog.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx,
			"UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0 RETURNING "+recordColumns, hash))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("decrement blob %s: %w", hash, err)
		}
		if rec.RefCount > 0 {
			out = rec
			return nil
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM blobs WHERE hash = ?", hash); err != nil {
			return fmt.Errorf("delete blob %s: %w", hash, err)
		}
		gone = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if gone == nil {
		return out, nil
	}

	missing := false
	switch err := os.Remove(gone.Path); {
	case err == nil:
		s.logger.Debug().Str("hash", hash).Msg("blob reclaimed")
	case os.IsNotExist(err):
		missing = true
		s.logger.Warn().Str("hash", hash).Msg("blob file already missing at reclaim")
	default:
		s.logger.Error().Err(err).Str("hash", hash).Str("path", gone.Path).Msg("failed to remove reclaimed blob file")
	}
	s.metrics.RecordReclaim(missing)
	return nil, nil
}

// Open opens the stored content of hash for reading.
func (s *Store) Open(ctx context.Context, hash string) (*os.File, *Record, error) {
	rec, err := s.Lookup(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return f, rec, nil
}

// Stats returns catalog totals and a probe of every volume.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(ref_count), 0) FROM blobs").
		Scan(&st.Blobs, &st.StoredBytes, &st.References)
	if err != nil {
		return nil, fmt.Errorf("blob stats: %w", err)
	}
	st.Volumes = s.volumes.Snapshots()
	return &st, nil
}

// placeFile moves src to dst. If dst already exists (left behind by an
// earlier crash) the existing file wins and src is dropped. Renames across
// filesystems fall back to copy, fsync and rename.
func placeFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		_ = os.Remove(src)
		return nil
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	_ = os.Remove(src)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".incoming-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return fmt.Errorf("copy blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}
