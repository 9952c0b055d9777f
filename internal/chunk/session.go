// Package chunk tracks resumable multi-part uploads. Each session is a set
// of numbered slots persisted in the catalog, with the chunk bytes kept as
// individual files in a temporary area until the session is merged or
// discarded.
package chunk

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyvault/skyvault/internal/catalog"
	"github.com/skyvault/skyvault/internal/metrics"
)

const initAttempts = 3

// Session describes one resumable upload.
type Session struct {
	ID          string    `json:"id"`
	Owner       int64     `json:"owner"`
	ClaimedHash string    `json:"claimed_hash"`
	Total       int       `json:"total_chunks"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Slot is the state of one chunk within a session.
type Slot struct {
	Index    int    `json:"index"`
	Uploaded bool   `json:"uploaded"`
	Size     int64  `json:"size"`
	Path     string `json:"-"`
}

// Options configures a Manager.
type Options struct {
	TempDir string                 // Root of the temporary area
	Metrics *metrics.StorageMetrics // Optional
	Logger  zerolog.Logger          // Structured logger (optional)
}

// Manager owns chunk sessions and their temporary data.
type Manager struct {
	db      *catalog.DB
	root    string
	metrics *metrics.StorageMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a chunk session manager. Chunk files live under
// <TempDir>/chunks/<session>/.
func New(db *catalog.DB, opts Options) *Manager {
	return &Manager{
		db:      db,
		root:    filepath.Join(opts.TempDir, "chunks"),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// SessionID derives the deterministic identity of an upload from its
// owner, claimed content hash and destination. A client retrying the same
// logical upload lands on the same session and keeps its progress.
func SessionID(owner int64, claimedHash, destination string) string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(owner))
	_, _ = h.Write(buf[:])
	for _, s := range []string{claimedHash, destination} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func validID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.root, id)
}

// ChunkPath returns the location of a chunk's temporary data.
func (m *Manager) ChunkPath(id string, index int) string {
	return filepath.Join(m.sessionDir(id), strconv.Itoa(index)+".part")
}

// Init creates the session for (owner, claimedHash, destination) with
// total pending slots. An existing session with the same chunk count is
// returned unchanged; one with a different count is reset.
func (m *Manager) Init(ctx context.Context, owner int64, claimedHash, destination string, total int) (*Session, error) {
	if total < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkCount, total)
	}
	id := SessionID(owner, claimedHash, destination)

	var (
		reset bool
		err   error
	)
	for attempt := 0; attempt < initAttempts; attempt++ {
		reset, err = m.initSlots(ctx, id, owner, claimedHash, total)
		if err == nil || !catalog.IsUniqueViolation(err) {
			break
		}
		// A concurrent Init created the same session; re-evaluate against it.
	}
	if err != nil {
		return nil, err
	}

	if reset {
		if err := os.RemoveAll(m.sessionDir(id)); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("failed to clear chunks of reset session")
		}
		m.logger.Info().Str("session", id).Int("chunks", total).Msg("chunk session reset with new chunk count")
	}
	return m.Get(ctx, id)
}

func (m *Manager) initSlots(ctx context.Context, id string, owner int64, claimedHash string, total int) (reset bool, err error) {
	err = m.db.WithTx(ctx, func(tx *catalog.Tx) error {
		var existing int
		err := tx.QueryRowContext(ctx,
			"SELECT total_chunks FROM chunk_slots WHERE session_id = ? LIMIT 1", id).Scan(&existing)
		switch {
		case err == nil && existing == total:
			return nil
		case err == nil:
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_slots WHERE session_id = ?", id); err != nil {
				return fmt.Errorf("delete slots: %w", err)
			}
			reset = true
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("query session: %w", err)
		}

		now := m.now().UnixNano()
		for i := 0; i < total; i++ {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunk_slots (session_id, chunk_index, owner_id, claimed_hash, total_chunks, uploaded, size, updated_at)
				 VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
				id, i, owner, claimedHash, total, now); err != nil {
				return fmt.Errorf("insert slot %d: %w", i, err)
			}
		}
		return nil
	})
	return reset, err
}

// Get returns the session with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if !validID(id) {
		return nil, ErrSessionNotFound
	}
	s := Session{ID: id}
	var updated int64
	err := m.db.QueryRowContext(ctx,
		`SELECT owner_id, claimed_hash, total_chunks, MAX(updated_at) FROM chunk_slots
		 WHERE session_id = ? GROUP BY owner_id, claimed_hash, total_chunks`, id).
		Scan(&s.Owner, &s.ClaimedHash, &s.Total, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.UpdatedAt = time.Unix(0, updated).UTC()
	return &s, nil
}

// Slots returns every slot of the session in index order.
func (m *Manager) Slots(ctx context.Context, id string) ([]Slot, error) {
	if !validID(id) {
		return nil, ErrSessionNotFound
	}
	rows, err := m.db.QueryContext(ctx,
		"SELECT chunk_index, uploaded, size, temp_path FROM chunk_slots WHERE session_id = ? ORDER BY chunk_index", id)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var slots []Slot
	for rows.Next() {
		var s Slot
		var uploaded int
		var path sql.NullString
		if err := rows.Scan(&s.Index, &uploaded, &s.Size, &path); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		s.Uploaded = uploaded != 0
		s.Path = path.String
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, ErrSessionNotFound
	}
	return slots, nil
}

// QueryUploaded returns the indices whose chunk is both marked uploaded and
// still present on disk. Slots whose data has vanished are reset to
// pending so the client uploads them again.
func (m *Manager) QueryUploaded(ctx context.Context, id string) ([]int, error) {
	slots, err := m.Slots(ctx, id)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(slots))
	for _, s := range slots {
		if !s.Uploaded {
			continue
		}
		if _, err := os.Stat(s.Path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("stat chunk %d: %w", s.Index, err)
			}
			m.logger.Warn().Str("session", id).Int("index", s.Index).Msg("chunk data missing, slot reset to pending")
			if err := m.MarkPending(ctx, id, s.Index); err != nil {
				return nil, err
			}
			continue
		}
		indices = append(indices, s.Index)
	}
	return indices, nil
}

// UploadChunk stores the data for one chunk, replacing any earlier upload
// of the same index, and marks the slot uploaded.
func (m *Manager) UploadChunk(ctx context.Context, id string, index int, r io.Reader) (int64, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= sess.Total {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrChunkOutOfRange, index, sess.Total)
	}

	if err := os.MkdirAll(m.sessionDir(id), 0700); err != nil {
		return 0, fmt.Errorf("create session dir: %w", err)
	}
	path := m.ChunkPath(id, index)
	n, err := writeFile(path, r)
	if err != nil {
		return 0, err
	}

	res, err := m.db.ExecContext(ctx,
		"UPDATE chunk_slots SET uploaded = 1, size = ?, temp_path = ?, updated_at = ? WHERE session_id = ? AND chunk_index = ?",
		n, path, m.now().UnixNano(), id, index)
	if err != nil {
		return 0, fmt.Errorf("mark chunk uploaded: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Discarded or reset between Get and the write.
		_ = os.Remove(path)
		return 0, ErrSessionNotFound
	}

	m.metrics.RecordChunk(n)
	m.logger.Debug().Str("session", id).Int("index", index).Int64("size", n).Msg("chunk stored")
	return n, nil
}

// AllUploaded reports whether every slot of the session is uploaded.
func (m *Manager) AllUploaded(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, ErrSessionNotFound
	}
	var total, uploaded int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(uploaded), 0) FROM chunk_slots WHERE session_id = ?", id).
		Scan(&total, &uploaded)
	if err != nil {
		return false, fmt.Errorf("count slots: %w", err)
	}
	if total == 0 {
		return false, ErrSessionNotFound
	}
	return uploaded == total, nil
}

// OpenChunk opens the temporary data of one chunk.
func (m *Manager) OpenChunk(id string, index int) (*os.File, error) {
	if !validID(id) {
		return nil, ErrSessionNotFound
	}
	return os.Open(m.ChunkPath(id, index))
}

// MarkPending resets a slot so its chunk has to be uploaded again.
func (m *Manager) MarkPending(ctx context.Context, id string, index int) error {
	_, err := m.db.ExecContext(ctx,
		"UPDATE chunk_slots SET uploaded = 0, size = 0, temp_path = NULL, updated_at = ? WHERE session_id = ? AND chunk_index = ?",
		m.now().UnixNano(), id, index)
	if err != nil {
		return fmt.Errorf("reset slot %d: %w", index, err)
	}
	return nil
}

// Discard removes the session's bookkeeping and all of its chunk data.
func (m *Manager) Discard(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrSessionNotFound
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM chunk_slots WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := os.RemoveAll(m.sessionDir(id)); err != nil {
		return fmt.Errorf("remove chunk data: %w", err)
	}
	return nil
}

// SweepStale discards sessions with no slot activity for olderThan, and
// removes chunk directories left without any session. It returns the
// number of sessions discarded.
func (m *Manager) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)

	rows, err := m.db.QueryContext(ctx,
		"SELECT session_id FROM chunk_slots GROUP BY session_id HAVING MAX(updated_at) < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("query stale sessions: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan session: %w", err)
		}
		stale = append(stale, id)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return 0, fmt.Errorf("iterate sessions: %w", err)
	}

	swept := 0
	for _, id := range stale {
		if err := m.Discard(ctx, id); err != nil {
			return swept, err
		}
		swept++
		m.logger.Info().Str("session", id).Msg("stale chunk session swept")
	}

	if err := m.sweepOrphanDirs(ctx, cutoff); err != nil {
		return swept, err
	}
	m.metrics.RecordSwept(swept)
	return swept, nil
}

func (m *Manager) sweepOrphanDirs(ctx context.Context, cutoff time.Time) error {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chunk root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if _, err := m.Get(ctx, e.Name()); !errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			m.logger.Warn().Err(err).Str("session", e.Name()).Msg("failed to remove orphaned chunk data")
		}
	}
	return nil
}
