package chunk

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"


	"github.com/skyvault/skyvault/testutil"
)

const claimed = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	db := testutil.OpenCatalog(t)
	return New(db, Options{TempDir: filepath.Join(dir, "tmp"), Logger: zerolog.Nop()})
}

func TestSessionID_Deterministic(t *testing.T) {
	a := SessionID(1, claimed, "folder:0/report.pdf")
	assert.Equal(t, a, SessionID(1, claimed, "folder:0/report.pdf"))
	assert.NotEqual(t, a, SessionID(2, claimed, "folder:0/report.pdf"))
	assert.NotEqual(t, a, SessionID(1, claimed, "folder:1/report.pdf"))
	// Field boundaries are length-prefixed.
	assert.NotEqual(t, SessionID(1, "ab", "c"), SessionID(1, "a", "bc"))
	assert.True(t, validID(a))
}

func TestManager_InitFresh(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, 1, claimed, "dest", 4)
	require.NoError(t, err)
	assert.Equal(t, SessionID(1, claimed, "dest"), sess.ID)
	assert.Equal(t, 4, sess.Total)
	assert.Equal(t, int64(1), sess.Owner)
	assert.Equal(t, claimed, sess.ClaimedHash)

	done, err := m.QueryUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, done)

	all, err := m.AllUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, all)
}

func TestManager_InitInvalidCount(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init(context.Background(), 1, claimed, "dest", 0)
	assert.ErrorIs(t, err, ErrInvalidChunkCount)
}

func TestManager_InitResumesSameCount(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, 1, claimed, "dest", 3)
	require.NoError(t, err)
	_, err = m.UploadChunk(ctx, sess.ID, 1, strings.NewReader("bbb"))
	require.NoError(t, err)

	again, err := m.Init(ctx, 1, claimed, "dest", 3)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)

	done, err := m.QueryUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, done)
}

func TestManager_InitResetsOnNewCount(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, 1, claimed, "dest", 3)
	require.NoError(t, err)
	_, err = m.UploadChunk(ctx, sess.ID, 0, strings.NewReader("aaa"))
	require.NoError(t, err)

	again, err := m.Init(ctx, 1, claimed, "dest", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, again.Total)

	done, err := m.QueryUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.NoFileExists(t, m.ChunkPath(sess.ID, 0))

	slots, err := m.Slots(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, slots, 5)
}

func TestManager_UploadOutOfOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	parts := []string{"alpha-", "bravo-", "charlie-", "delta"}

	sess, err := m.Init(ctx, 1, claimed, "dest", len(parts))
	require.NoError(t, err)

	for _, idx := range []int{2, 0, 3, 1} {
		n, err := m.UploadChunk(ctx, sess.ID, idx, strings.NewReader(parts[idx]))
		require.NoError(t, err)
		assert.Equal(t, int64(len(parts[idx])), n)
	}

	all, err := m.AllUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, all)

	var merged bytes.Buffer
	for i := range parts {
		f, err := m.OpenChunk(sess.ID, i)
		require.NoError(t, err)
		_, err = io.Copy(&merged, f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	assert.Equal(t, strings.Join(parts, ""), merged.String())
}

func TestManager_UploadOverwrites(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, 1, claimed, "dest", 1)
	require.NoError(t, err)
	_, err = m.UploadChunk(ctx, sess.ID, 0, strings.NewReader("first attempt, longer"))
	require.NoError(t, err)
	_, err = m.UploadChunk(ctx, sess.ID, 0, strings.NewReader("retry"))
	require.NoError(t, err)

	data, err := os.ReadFile(m.ChunkPath(sess.ID, 0))
	require.NoError(t, err)
	assert.Equal(t, "retry", string(data))

	slots, err := m.Slots(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), slots[0].Size)
}

func TestManager_UploadErrors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, 1, claimed, "dest", 2)
	require.NoError(t, err)

	_, err = m.UploadChunk(ctx, sess.ID, 2, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	_, err = m.UploadChunk(ctx, sess.ID, -1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, err = m.UploadChunk(ctx, SessionID(9, claimed, "nowhere"), 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.UploadChunk(ctx, "../../etc", 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.AllUploaded(ctx, SessionID(9, claimed, "nowhere"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_QueryUploadedSelfHeals(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, 1, claimed, "dest", 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.UploadChunk(ctx, sess.ID, i, strings.NewReader("chunk"))
		require.NoError(t, err)
	}

	require.NoError(t, os.Remove(m.ChunkPath(sess.ID, 1)))

	done, err := m.QueryUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, done)

	all, err := m.AllUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, all)

	_, err = m.UploadChunk(ctx, sess.ID, 1, strings.NewReader("chunk"))
	require.NoError(t, err)
	all, err = m.AllUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, all)
}

func TestManager_Discard(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, 1, claimed, "dest", 2)
	require.NoError(t, err)
	_, err = m.UploadChunk(ctx, sess.ID, 0, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, m.Discard(ctx, sess.ID))
	assert.NoDirExists(t, m.sessionDir(sess.ID))
	_, err = m.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_SweepStale(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	old, err := m.Init(ctx, 1, claimed, "old", 2)
	require.NoError(t, err)
	_, err = m.UploadChunk(ctx, old.ID, 0, strings.NewReader("x"))
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(23 * time.Hour) }
	fresh, err := m.Init(ctx, 1, claimed, "fresh", 2)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(25 * time.Hour) }
	n, err := m.SweepStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoDirExists(t, m.sessionDir(old.ID))
	_, err = m.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestManager_SweepOrphanDirs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	orphan := m.sessionDir(SessionID(3, claimed, "lost"))
	require.NoError(t, os.MkdirAll(orphan, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, "0.part"), []byte("x"), 0600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, past, past))

	n, err := m.SweepStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoDirExists(t, orphan)
}

func TestManager_ConcurrentChunks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const chunks = 16
	sess, err := m.Init(ctx, 1, claimed, "dest", chunks)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, chunks)
	wg.Add(chunks)
	for i := 0; i < chunks; i++ {
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = m.UploadChunk(ctx, sess.ID, idx, strings.NewReader(strings.Repeat("z", idx+1)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "chunk %d failed", i)
	}
	done, err := m.QueryUploaded(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, done, chunks)
}

func TestManager_ConcurrentInit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const goroutines = 8
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = m.Init(ctx, 1, claimed, "dest", 4)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "goroutine %d failed", i)
	}
	slots, err := m.Slots(ctx, SessionID(1, claimed, "dest"))
	require.NoError(t, err)
	assert.Len(t, slots, 4)
}
