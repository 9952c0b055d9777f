package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/chunk"
	"github.com/skyvault/skyvault/internal/ingest"
	"github.com/skyvault/skyvault/internal/logging/audit"
	"github.com/skyvault/skyvault/internal/namespace"
	"github.com/skyvault/skyvault/internal/quota"
	"github.com/skyvault/skyvault/testutil"
)

const owner int64 = 1

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// events decodes every audit entry written so far.
func (b *lockedBuffer) events(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		out = append(out, ev)
	}
	return out
}

type testDrive struct {
	*Drive
	blobs *blob.Store
	quota *quota.Manager
	clock *clock
	audit *lockedBuffer
}

func newTestDrive(t *testing.T, defaultQuota int64) *testDrive {
	t.Helper()
	dir := t.TempDir()
	db := testutil.OpenCatalog(t)

	nop := zerolog.Nop()
	tmp := filepath.Join(dir, "tmp")
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	blobs := blob.New(db, blob.Options{Volumes: []string{filepath.Join(dir, "vol")}, Logger: nop})
	chunks := chunk.New(db, chunk.Options{TempDir: tmp, Logger: nop})
	q := quota.NewManager(db, defaultQuota)
	pipeline := ingest.New(blobs, chunks, q, ingest.Options{TempDir: tmp, Logger: nop})
	tree := namespace.New(db, blobs, namespace.Options{Logger: nop, Clock: clk.Now})

	trail := &lockedBuffer{}
	d := New(blobs, chunks, pipeline, tree, q, Options{
		RetentionDays: 30,
		Logger:        nop,
		Audit:         audit.NewLogger(zerolog.New(trail)),
	})
	return &testDrive{Drive: d, blobs: blobs, quota: q, clock: clk, audit: trail}
}

func (td *testDrive) used(t *testing.T) int64 {
	t.Helper()
	st, err := td.Usage(context.Background(), owner)
	require.NoError(t, err)
	return st.UsedBytes
}

func (td *testDrive) refs(t *testing.T, hash string) int64 {
	t.Helper()
	rec, err := td.blobs.Lookup(context.Background(), hash)
	if err != nil {
		require.ErrorIs(t, err, blob.ErrNotFound)
		return 0
	}
	return rec.RefCount
}

func TestDrive_UploadTwiceSameContent(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xAB}, 10<<20) // 10 MB

	a, err := td.Upload(ctx, owner, bytes.NewReader(payload), UploadOptions{Name: "a.bin"})
	require.NoError(t, err)
	b, err := td.Upload(ctx, owner, bytes.NewReader(payload), UploadOptions{Name: "b.bin"})
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, int64(2), td.refs(t, a.Hash))
	assert.Equal(t, int64(2*len(payload)), td.used(t))

	st, err := td.blobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Blobs)
}

func TestDrive_UploadConflictPolicy(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	first, err := td.Upload(ctx, owner, strings.NewReader("v1"), UploadOptions{Name: "report.pdf"})
	require.NoError(t, err)

	_, err = td.Upload(ctx, owner, strings.NewReader("v2"), UploadOptions{Name: "report.pdf"})
	assert.ErrorIs(t, err, namespace.ErrNameConflict)
	assert.Equal(t, int64(0), td.refs(t, blob.ContentHash([]byte("v2"))))

	second, err := td.Upload(ctx, owner, strings.NewReader("v2"), UploadOptions{Name: "report.pdf", AutoRename: true})
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", first.Name)
	assert.Equal(t, "report (1).pdf", second.Name)
}

func TestDrive_UploadInvalidName(t *testing.T) {
	td := newTestDrive(t, 0)
	_, err := td.Upload(context.Background(), owner, strings.NewReader("x"), UploadOptions{Name: "bad:name"})
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = td.Upload(context.Background(), owner, strings.NewReader("x"), UploadOptions{RelPath: "ok/../x"})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestDrive_UploadRelativePath(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	n, err := td.Upload(ctx, owner, strings.NewReader("deep"), UploadOptions{RelPath: "A/B/file.txt"})
	require.NoError(t, err)
	assert.Equal(t, "file.txt", n.Name)

	chain, err := td.Path(ctx, owner, n.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "A", chain[0].Name)
	assert.Equal(t, "B", chain[1].Name)
}

func TestDrive_RejectedEntryReleasesBlob(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	_, err := td.Upload(ctx, owner, strings.NewReader("one"), UploadOptions{RelPath: "dir/same.txt"})
	require.NoError(t, err)

	// Relative paths skip the precheck; the conflict surfaces after commit.
	_, err = td.Upload(ctx, owner, strings.NewReader("two"), UploadOptions{RelPath: "dir/same.txt"})
	assert.ErrorIs(t, err, namespace.ErrNameConflict)
	assert.Equal(t, int64(0), td.refs(t, blob.ContentHash([]byte("two"))))
	assert.Equal(t, int64(3), td.used(t))
}

func TestDrive_QuotaExceeded(t *testing.T) {
	td := newTestDrive(t, 10)
	ctx := context.Background()

	_, err := td.Upload(ctx, owner, strings.NewReader("12345678"), UploadOptions{Name: "a"})
	require.NoError(t, err)
	_, err = td.Upload(ctx, owner, strings.NewReader("123"), UploadOptions{Name: "b"})
	assert.ErrorIs(t, err, ingest.ErrQuotaExceeded)
	assert.Equal(t, int64(8), td.used(t))

	require.NoError(t, td.SetQuota(ctx, owner, 0))
	_, err = td.Upload(ctx, owner, strings.NewReader("123"), UploadOptions{Name: "b"})
	assert.NoError(t, err)
}

func TestDrive_FastUpload(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()
	hash := blob.ContentHash([]byte("known"))

	ok, err := td.CheckHash(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = td.Upload(ctx, owner, strings.NewReader("known"), UploadOptions{Name: "orig.txt"})
	require.NoError(t, err)
	ok, err = td.CheckHash(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := td.FastUpload(ctx, owner, hash, UploadOptions{Name: "copy.txt"})
	require.NoError(t, err)
	assert.Equal(t, hash, n.Hash)
	assert.Equal(t, int64(2), td.refs(t, hash))
	assert.Equal(t, int64(10), td.used(t))
}

func TestDrive_ChunkedUpload(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()
	parts := []string{"aa", "bb", "cc", "d"}
	hash := blob.ContentHash([]byte(strings.Join(parts, "")))
	opts := UploadOptions{Name: "big.bin"}

	sess, done, err := td.InitChunked(ctx, owner, hash, len(parts), opts)
	require.NoError(t, err)
	assert.Empty(t, done)

	_, err = td.PutChunk(ctx, owner+1, sess.ID, 0, strings.NewReader("aa"))
	assert.ErrorIs(t, err, chunk.ErrSessionNotFound)

	for _, i := range []int{2, 0} {
		_, err := td.PutChunk(ctx, owner, sess.ID, i, strings.NewReader(parts[i]))
		require.NoError(t, err)
	}
	_, err = td.CompleteChunked(ctx, owner, sess.ID, hash, opts)
	assert.ErrorIs(t, err, ingest.ErrIncompleteUpload)

	// A retry lands on the same session and sees its progress.
	again, done, err := td.InitChunked(ctx, owner, hash, len(parts), opts)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
	assert.Equal(t, []int{0, 2}, done)

	for _, i := range []int{3, 1} {
		_, err := td.PutChunk(ctx, owner, sess.ID, i, strings.NewReader(parts[i]))
		require.NoError(t, err)
	}
	n, err := td.CompleteChunked(ctx, owner, sess.ID, hash, opts)
	require.NoError(t, err)
	assert.Equal(t, "big.bin", n.Name)
	assert.Equal(t, int64(7), n.Size)

	rc, _, err := td.Open(ctx, owner, n.ID)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "aabbccd", string(data))
}

func TestDrive_DeletePurgeReleasesQuota(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	dir, err := td.CreateFolder(ctx, owner, namespace.RootID, "docs")
	require.NoError(t, err)
	f1, err := td.Upload(ctx, owner, strings.NewReader("12345"), UploadOptions{Parent: dir.ID, Name: "a"})
	require.NoError(t, err)
	_, err = td.Upload(ctx, owner, strings.NewReader("678"), UploadOptions{Parent: dir.ID, Name: "b"})
	require.NoError(t, err)
	require.Equal(t, int64(8), td.used(t))

	n, err := td.Delete(ctx, owner, dir.ID, 9999)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	// Trashed content still counts.
	assert.Equal(t, int64(8), td.used(t))

	_, _, err = td.Open(ctx, owner, f1.ID)
	assert.ErrorIs(t, err, namespace.ErrNotFound)

	freed, err := td.Purge(ctx, owner, dir.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), freed)
	assert.Equal(t, int64(0), td.used(t))
}

func TestDrive_TrashPurgesExpired(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	old, err := td.Upload(ctx, owner, strings.NewReader("old!"), UploadOptions{Name: "old.txt"})
	require.NoError(t, err)
	_, err = td.Delete(ctx, owner, old.ID)
	require.NoError(t, err)

	td.clock.Advance(29 * 24 * time.Hour)
	items, err := td.Trash(ctx, owner, namespace.RootID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	td.clock.Advance(2 * 24 * time.Hour)
	items, err = td.Trash(ctx, owner, namespace.RootID)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int64(0), td.used(t))
	assert.Equal(t, int64(0), td.refs(t, old.Hash))
}

func TestDrive_CopyChargesQuota(t *testing.T) {
	td := newTestDrive(t, 12)
	ctx := context.Background()

	src, err := td.CreateFolder(ctx, owner, namespace.RootID, "src")
	require.NoError(t, err)
	_, err = td.Upload(ctx, owner, strings.NewReader("12345"), UploadOptions{Parent: src.ID, Name: "f"})
	require.NoError(t, err)

	copies, err := td.Copy(ctx, owner, namespace.RootID, src.ID)
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Equal(t, "src (1)", copies[0].Name)
	assert.Equal(t, int64(10), td.used(t))

	_, err = td.Copy(ctx, owner, namespace.RootID, src.ID)
	assert.ErrorIs(t, err, ingest.ErrQuotaExceeded)
}

func TestDrive_MoveAndRename(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	a, err := td.CreateFolder(ctx, owner, namespace.RootID, "A")
	require.NoError(t, err)
	b, err := td.CreateFolder(ctx, owner, a.ID, "B")
	require.NoError(t, err)

	_, err = td.Move(ctx, owner, b.ID, a.ID)
	assert.ErrorIs(t, err, namespace.ErrCyclicMove)

	moved, err := td.Move(ctx, owner, namespace.RootID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, namespace.RootID, moved[0].Parent)

	_, err = td.Rename(ctx, owner, b.ID, "A")
	assert.ErrorIs(t, err, namespace.ErrNameConflict)
	_, err = td.Rename(ctx, owner, b.ID, "no/slash")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = td.CreateFolder(ctx, owner, namespace.RootID, "A")
	assert.ErrorIs(t, err, namespace.ErrNameConflict)

	_, _, err = td.Open(ctx, owner, a.ID)
	assert.ErrorIs(t, err, ErrIsFolder)
}

func TestDrive_ListAndSearch(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	dir, err := td.CreateFolder(ctx, owner, namespace.RootID, "music")
	require.NoError(t, err)
	_, err = td.Upload(ctx, owner, strings.NewReader("x"), UploadOptions{Parent: dir.ID, Name: "song.mp3"})
	require.NoError(t, err)

	top, err := td.List(ctx, owner, namespace.RootID, "")
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "music", top[0].Name)

	found, err := td.List(ctx, owner, namespace.RootID, "song")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "song.mp3", found[0].Name)
}

func TestDrive_Sweep(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	_, _, err := td.InitChunked(ctx, owner, blob.ContentHash([]byte("abandoned")), 3, UploadOptions{Name: "x"})
	require.NoError(t, err)
	n, err := td.Upload(ctx, owner, strings.NewReader("trash"), UploadOptions{Name: "t"})
	require.NoError(t, err)
	_, err = td.Delete(ctx, owner, n.ID)
	require.NoError(t, err)

	td.clock.Advance(31 * 24 * time.Hour)
	// Chunk sessions use wall time; a negative TTL makes every session stale.
	rep, err := td.Sweep(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sessions)
	assert.Equal(t, 1, rep.PurgedNodes)
	assert.Equal(t, int64(5), rep.FreedBytes)
}

func TestDrive_AuditTrail(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	n, err := td.Upload(ctx, owner, strings.NewReader("audited"), UploadOptions{Name: "a.txt"})
	require.NoError(t, err)

	_, err = td.Delete(ctx, owner, n.ID, 9999)
	require.NoError(t, err)
	_, err = td.Restore(ctx, owner, n.ID)
	require.NoError(t, err)
	_, err = td.Delete(ctx, owner, n.ID)
	require.NoError(t, err)
	_, err = td.Purge(ctx, owner, n.ID)
	require.NoError(t, err)
	require.NoError(t, td.SetQuota(ctx, owner, 1<<20))

	events := td.audit.events(t)
	require.Len(t, events, 6)

	var ops []string
	for _, ev := range events[:4] {
		assert.Equal(t, "node_operation", ev["event_type"])
		assert.Equal(t, audit.ResultOK, ev["result"])
		assert.Equal(t, float64(n.ID), ev["node_id"])
		ops = append(ops, ev["operation"].(string))
	}
	assert.Equal(t, []string{"delete", "restore", "delete", "purge"}, ops)

	assert.Equal(t, "purge", events[4]["event_type"])
	assert.Equal(t, audit.ReasonManual, events[4]["reason"])
	assert.Equal(t, float64(len("audited")), events[4]["freed_bytes"])

	assert.Equal(t, "quota", events[5]["event_type"])
	assert.Equal(t, float64(1<<20), events[5]["total_bytes"])
}

func TestDrive_AuditFailedMove(t *testing.T) {
	td := newTestDrive(t, 0)
	ctx := context.Background()

	folder, err := td.CreateFolder(ctx, owner, namespace.RootID, "Docs")
	require.NoError(t, err)

	_, err = td.Move(ctx, owner, folder.ID, folder.ID)
	require.ErrorIs(t, err, namespace.ErrCyclicMove)

	events := td.audit.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "move", events[0]["operation"])
	assert.Equal(t, audit.ResultFailed, events[0]["result"])
	assert.Equal(t, "warn", events[0]["level"])
	assert.Equal(t, float64(folder.ID), events[0]["target"])
}
