// Package ingest is the single path through which uploaded bytes become
// committed blobs: whole-file streams, merged chunk sessions, and
// reference-only fast uploads of content that is already stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/chunk"
	"github.com/skyvault/skyvault/internal/lockmap"
	"github.com/skyvault/skyvault/internal/metrics"
)

// Quota reports an owner's storage usage. A total of zero means unlimited.
type Quota interface {
	Usage(ctx context.Context, owner int64) (used, total int64, err error)
}

// Options configures a Pipeline.
type Options struct {
	TempDir string                 // Root of the temporary area
	Metrics *metrics.StorageMetrics // Optional
	Logger  zerolog.Logger          // Structured logger (optional)
}

// Pipeline orchestrates hashing, deduplication, chunk reassembly and
// commit into the blob store.
type Pipeline struct {
	blobs    *blob.Store
	chunks   *chunk.Manager
	quota    Quota
	spoolDir string
	merges   *lockmap.Keyed
	metrics  *metrics.StorageMetrics
	logger   zerolog.Logger
}

// New creates an ingestion pipeline. quota may be nil to disable quota
// enforcement.
func New(blobs *blob.Store, chunks *chunk.Manager, quota Quota, opts Options) *Pipeline {
	return &Pipeline{
		blobs:    blobs,
		chunks:   chunks,
		quota:    quota,
		spoolDir: filepath.Join(opts.TempDir, "spool"),
		merges:   lockmap.NewKeyed(),
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

func (p *Pipeline) createSpool() (*os.File, error) {
	if err := os.MkdirAll(p.spoolDir, 0700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(p.spoolDir, uuid.NewString()+".part"), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return f, nil
}

// checkQuota fails with ErrQuotaExceeded when storing size more bytes
// would take owner past their total.
func (p *Pipeline) checkQuota(ctx context.Context, owner, size int64) error {
	if p.quota == nil {
		return nil
	}
	used, total, err := p.quota.Usage(ctx, owner)
	if err != nil {
		return fmt.Errorf("quota usage: %w", err)
	}
	if total > 0 && used+size > total {
		return fmt.Errorf("%w: %d used + %d incoming > %d", ErrQuotaExceeded, used, size, total)
	}
	return nil
}

// BeginWholeFileUpload opens a sink for a single-shot upload by owner.
func (p *Pipeline) BeginWholeFileUpload(owner int64) (*Sink, error) {
	f, err := p.createSpool()
	if err != nil {
		return nil, err
	}
	h := blob.NewHasher()
	return &Sink{p: p, owner: owner, f: f, hasher: h, w: io.MultiWriter(f, h)}, nil
}

// Ingest streams r through a whole-file sink and commits it.
func (p *Pipeline) Ingest(ctx context.Context, owner int64, r io.Reader) (*blob.Record, error) {
	sink, err := p.BeginWholeFileUpload(owner)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(sink, r); err != nil {
		_ = sink.Abort()
		p.metrics.RecordUpload(metrics.PathWhole, err, 0)
		return nil, err
	}
	return sink.Commit(ctx)
}

// InitChunkSession opens or resumes the chunk session identified by
// (owner, claimedHash, destination) and returns the indices already held.
func (p *Pipeline) InitChunkSession(ctx context.Context, owner int64, claimedHash string, totalChunks int, destination string) (*chunk.Session, []int, error) {
	if !blob.ValidHash(claimedHash) {
		return nil, nil, blob.ErrInvalidHash
	}
	sess, err := p.chunks.Init(ctx, owner, claimedHash, destination, totalChunks)
	if err != nil {
		return nil, nil, err
	}
	done, err := p.chunks.QueryUploaded(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}
	return sess, done, nil
}

// PutChunk stores one chunk of a session.
func (p *Pipeline) PutChunk(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error) {
	return p.chunks.UploadChunk(ctx, sessionID, index, r)
}

// MergeSession reassembles a completed chunk session, verifies the
// content against claimedHash and commits it. Merges of the same session
// are serialized; once one succeeds the session no longer exists.
func (p *Pipeline) MergeSession(ctx context.Context, sessionID, claimedHash string) (rec *blob.Record, err error) {
	unlock := p.merges.Lock(sessionID)
	defer unlock()

	start := time.Now()
	var size int64
	defer func() {
		p.metrics.RecordUpload(metrics.PathChunked, err, size)
		if err == nil {
			p.metrics.ObserveMerge(time.Since(start).Seconds())
		}
	}()

	sess, err := p.chunks.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := p.chunks.AllUploaded(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !all {
		return nil, ErrIncompleteUpload
	}
	slots, err := p.chunks.Slots(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out, err := p.createSpool()
	if err != nil {
		return nil, err
	}
	outPath := out.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(outPath)
		}
	}()

	h := blob.NewHasher()
	w := io.MultiWriter(out, h)
	for _, slot := range slots {
		n, err := p.appendChunk(ctx, w, sess.ID, slot.Index)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		size += n
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("sync merge output: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close merge output: %w", err)
	}

	got := blob.SumHex(h)
	if got != claimedHash {
		p.logger.Warn().Str("session", sess.ID).Str("claimed", claimedHash).Str("actual", got).Msg("merged content does not match claimed hash")
		if err := p.chunks.Discard(ctx, sess.ID); err != nil {
			p.logger.Warn().Err(err).Str("session", sess.ID).Msg("failed to discard mismatched session")
		}
		return nil, fmt.Errorf("%w: claimed %s, got %s", ErrIntegrityMismatch, claimedHash, got)
	}
	if err := p.checkQuota(ctx, sess.Owner, size); err != nil {
		return nil, err
	}

	rec, err = p.blobs.Commit(ctx, got, outPath, size)
	if err != nil {
		return nil, err
	}
	committed = true

	if err := p.chunks.Discard(ctx, sess.ID); err != nil {
		p.logger.Warn().Err(err).Str("session", sess.ID).Msg("failed to discard merged session")
	}
	p.logger.Debug().Str("session", sess.ID).Str("hash", got).Int("chunks", len(slots)).Msg("chunk session merged")
	return rec, nil
}

func (p *Pipeline) appendChunk(ctx context.Context, w io.Writer, sessionID string, index int) (int64, error) {
	f, err := p.chunks.OpenChunk(sessionID, index)
	if os.IsNotExist(err) {
		p.logger.Warn().Str("session", sessionID).Int("index", index).Msg("chunk data missing at merge, slot reset to pending")
		if err := p.chunks.MarkPending(ctx, sessionID, index); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: chunk %d missing", ErrIncompleteUpload, index)
	}
	if err != nil {
		return 0, fmt.Errorf("open chunk %d: %w", index, err)
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(w, f)
	if err != nil {
		return 0, fmt.Errorf("concatenate chunk %d: %w", index, err)
	}
	return n, nil
}

// FastUploadCheck returns the stored record for hash, or nil when the
// content is not stored and must be uploaded.
func (p *Pipeline) FastUploadCheck(ctx context.Context, hash string) (*blob.Record, error) {
	rec, err := p.blobs.Lookup(ctx, hash)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// FastUpload adds a reference to already stored content without any data
// transfer. Quota is checked against the stored size.
func (p *Pipeline) FastUpload(ctx context.Context, owner int64, hash string) (rec *blob.Record, err error) {
	defer func() {
		var size int64
		if rec != nil {
			size = rec.Size
		}
		p.metrics.RecordUpload(metrics.PathFast, err, size)
	}()

	existing, err := p.blobs.Lookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := p.checkQuota(ctx, owner, existing.Size); err != nil {
		return nil, err
	}
	return p.blobs.Increment(ctx, hash)
}
