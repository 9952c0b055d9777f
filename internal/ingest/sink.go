package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/metrics"
)

var errSinkClosed = errors.New("upload sink already closed")

// Sink receives the bytes of a whole-file upload. Content is spooled to a
// temporary file and hashed as it arrives; nothing is visible in the blob
// store until Commit.
type Sink struct {
	p      *Pipeline
	owner  int64
	f      *os.File
	hasher hash.Hash
	w      io.Writer
	size   int64
	done   bool
}

// Write appends p to the upload.
func (s *Sink) Write(b []byte) (int, error) {
	if s.done {
		return 0, errSinkClosed
	}
	n, err := s.w.Write(b)
	s.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("spool upload: %w", err)
	}
	return n, nil
}

// Size returns the number of bytes received so far.
func (s *Sink) Size() int64 {
	return s.size
}

// Commit finishes the upload: the owner's quota is checked against the
// received size and the content is committed to the blob store. The spool
// file is consumed on success and removed on failure.
func (s *Sink) Commit(ctx context.Context) (rec *blob.Record, err error) {
	if s.done {
		return nil, errSinkClosed
	}
	s.done = true
	path := s.f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
		s.p.metrics.RecordUpload(metrics.PathWhole, err, s.size)
	}()

	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return nil, fmt.Errorf("sync spool: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return nil, fmt.Errorf("close spool: %w", err)
	}

	if err := s.p.checkQuota(ctx, s.owner, s.size); err != nil {
		return nil, err
	}
	return s.p.blobs.Commit(ctx, blob.SumHex(s.hasher), path, s.size)
}

// Abort discards the upload.
func (s *Sink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.f.Close()
	if err := os.Remove(s.f.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool: %w", err)
	}
	return nil
}
