// Package drive is the caller layer over the storage core. It enforces
// name legality and the strict or auto-rename conflict policy, keeps the
// quota ledger in step with commits and purges, and undoes a blob
// reference when the namespace refuses the entry it was committed for.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/chunk"
	"github.com/skyvault/skyvault/internal/ingest"
	"github.com/skyvault/skyvault/internal/logging/audit"
	"github.com/skyvault/skyvault/internal/namespace"
	"github.com/skyvault/skyvault/internal/quota"
)

// Options configures a Drive.
type Options struct {
	RetentionDays int            // Trash retention; 0 disables purging
	Logger        zerolog.Logger // Structured logger (optional)
	Audit         *audit.Logger  // Audit trail (optional)
}

// Drive wires ingestion, the blob store, the namespace and the quota
// ledger together.
type Drive struct {
	blobs     *blob.Store
	chunks    *chunk.Manager
	pipeline  *ingest.Pipeline
	tree      *namespace.Tree
	quota     *quota.Manager
	retention int
	logger    zerolog.Logger
	audit     *audit.Logger
}

// New creates a drive.
func New(blobs *blob.Store, chunks *chunk.Manager, pipeline *ingest.Pipeline, tree *namespace.Tree, q *quota.Manager, opts Options) *Drive {
	return &Drive{
		blobs:     blobs,
		chunks:    chunks,
		pipeline:  pipeline,
		tree:      tree,
		quota:     q,
		retention: opts.RetentionDays,
		logger:    opts.Logger,
		audit:     opts.Audit,
	}
}

// UploadOptions says where an uploaded file lands.
type UploadOptions struct {
	Parent int64 // Destination folder (namespace.RootID for the root)
	Name   string
	// RelPath, when set, is a path such as "A/B/file.txt" under Parent.
	// Missing folders are created and Name is ignored.
	RelPath string
	// AutoRename picks "name (n).ext" instead of failing with
	// namespace.ErrNameConflict.
	AutoRename bool
}

func (o UploadOptions) policy() namespace.ConflictPolicy {
	if o.AutoRename {
		return namespace.ConflictRename
	}
	return namespace.ConflictFail
}

// destination identifies the target of a chunked upload for session
// derivation.
func (o UploadOptions) destination() string {
	target := o.Name
	if o.RelPath != "" {
		target = o.RelPath
	}
	return strconv.FormatInt(o.Parent, 10) + "/" + target
}

func (o UploadOptions) validate() error {
	if o.RelPath != "" {
		return validatePath(o.RelPath)
	}
	return ValidateName(o.Name)
}

// precheck fails early when the target name is taken under a strict
// policy, before any bytes are transferred. Relative paths are checked
// once their folders exist.
func (d *Drive) precheck(ctx context.Context, owner int64, o UploadOptions) error {
	if err := o.validate(); err != nil {
		return err
	}
	if o.AutoRename || o.RelPath != "" {
		return nil
	}
	free, err := d.tree.UniqueName(ctx, owner, o.Parent, o.Name)
	if err != nil {
		return err
	}
	if free != o.Name {
		return fmt.Errorf("%w: %q", namespace.ErrNameConflict, o.Name)
	}
	return nil
}

// resolve returns the final parent folder and name, creating folders of a
// relative path.
func (d *Drive) resolve(ctx context.Context, owner int64, o UploadOptions) (int64, string, error) {
	if o.RelPath == "" {
		return o.Parent, o.Name, nil
	}
	parent, err := d.tree.ResolveOrCreatePath(ctx, owner, o.Parent, o.RelPath)
	if err != nil {
		return 0, "", err
	}
	_, name := namespace.SplitPath(o.RelPath)
	return parent, name, nil
}

// attach creates the file node for a committed blob and charges the owner.
// The blob reference taken by the commit is released if the node cannot
// be created.
func (d *Drive) attach(ctx context.Context, owner int64, o UploadOptions, rec *blob.Record) (*namespace.Node, error) {
	parent, name, err := d.resolve(ctx, owner, o)
	if err == nil {
		var node *namespace.Node
		node, err = d.tree.CreateEntry(ctx, owner, namespace.Entry{Parent: parent, Name: name, Hash: rec.Hash}, o.policy())
		if err == nil {
			if qerr := d.quota.Adjust(ctx, owner, rec.Size); qerr != nil {
				d.logger.Error().Err(qerr).Int64("owner", owner).Int64("size", rec.Size).Msg("failed to charge upload to quota")
			}
			return node, nil
		}
	}

	if _, derr := d.blobs.Decrement(ctx, rec.Hash); derr != nil {
		d.logger.Error().Err(derr).Str("hash", rec.Hash).Msg("failed to release blob after rejected entry")
	}
	return nil, err
}

// Upload stores the content of r as a new file.
func (d *Drive) Upload(ctx context.Context, owner int64, r io.Reader, o UploadOptions) (*namespace.Node, error) {
	if err := d.precheck(ctx, owner, o); err != nil {
		return nil, err
	}
	rec, err := d.pipeline.Ingest(ctx, owner, r)
	if err != nil {
		return nil, err
	}
	return d.attach(ctx, owner, o, rec)
}

// CheckHash reports whether content with hash is already stored, in which
// case FastUpload can be used instead of sending the bytes.
func (d *Drive) CheckHash(ctx context.Context, hash string) (bool, error) {
	rec, err := d.pipeline.FastUploadCheck(ctx, hash)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// FastUpload creates a file from content that is already stored.
func (d *Drive) FastUpload(ctx context.Context, owner int64, hash string, o UploadOptions) (*namespace.Node, error) {
	if err := d.precheck(ctx, owner, o); err != nil {
		return nil, err
	}
	rec, err := d.pipeline.FastUpload(ctx, owner, hash)
	if err != nil {
		return nil, err
	}
	return d.attach(ctx, owner, o, rec)
}

// InitChunked opens or resumes a chunked upload and returns the indices
// the server already holds.
func (d *Drive) InitChunked(ctx context.Context, owner int64, hash string, totalChunks int, o UploadOptions) (*chunk.Session, []int, error) {
	if err := d.precheck(ctx, owner, o); err != nil {
		return nil, nil, err
	}
	return d.pipeline.InitChunkSession(ctx, owner, hash, totalChunks, o.destination())
}

func (d *Drive) ownSession(ctx context.Context, owner int64, sessionID string) error {
	sess, err := d.chunks.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Owner != owner {
		return chunk.ErrSessionNotFound
	}
	return nil
}

// PutChunk stores one chunk of the owner's session.
func (d *Drive) PutChunk(ctx context.Context, owner int64, sessionID string, index int, r io.Reader) (int64, error) {
	if err := d.ownSession(ctx, owner, sessionID); err != nil {
		return 0, err
	}
	return d.pipeline.PutChunk(ctx, sessionID, index, r)
}

// CompleteChunked merges the owner's session and creates the file.
func (d *Drive) CompleteChunked(ctx context.Context, owner int64, sessionID, hash string, o UploadOptions) (*namespace.Node, error) {
	if err := d.ownSession(ctx, owner, sessionID); err != nil {
		return nil, err
	}
	if err := d.precheck(ctx, owner, o); err != nil {
		return nil, err
	}
	rec, err := d.pipeline.MergeSession(ctx, sessionID, hash)
	if err != nil {
		return nil, err
	}
	return d.attach(ctx, owner, o, rec)
}

// CreateFolder creates a folder. Folder names are never auto-renamed.
func (d *Drive) CreateFolder(ctx context.Context, owner, parent int64, name string) (*namespace.Node, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return d.tree.CreateEntry(ctx, owner, namespace.Entry{Parent: parent, Name: name, IsFolder: true}, namespace.ConflictFail)
}

// Get returns a node in any state.
func (d *Drive) Get(ctx context.Context, owner, id int64) (*namespace.Node, error) {
	return d.tree.Get(ctx, owner, id)
}

// List returns the active children of parent, or with a non-empty search
// every active node of the owner whose name contains it.
func (d *Drive) List(ctx context.Context, owner, parent int64, search string) ([]*namespace.Node, error) {
	if search != "" {
		return d.tree.Search(ctx, owner, search)
	}
	return d.tree.ListChildren(ctx, owner, parent, true)
}

// Rename renames an active node.
func (d *Drive) Rename(ctx context.Context, owner, id int64, name string) (*namespace.Node, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return d.tree.Rename(ctx, owner, id, name)
}

// Path returns the chain of nodes from the top level down to id.
func (d *Drive) Path(ctx context.Context, owner, id int64) ([]*namespace.Node, error) {
	return d.tree.Ancestors(ctx, owner, id)
}

// Open returns the content of an active file.
func (d *Drive) Open(ctx context.Context, owner, id int64) (io.ReadCloser, *namespace.Node, error) {
	n, err := d.tree.Get(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if n.Deleted {
		return nil, nil, namespace.ErrNotFound
	}
	if n.IsFolder {
		return nil, nil, ErrIsFolder
	}
	f, _, err := d.blobs.Open(ctx, n.Hash)
	if err != nil {
		return nil, nil, err
	}
	return f, n, nil
}

// Trash lists the trash: the topmost deleted nodes for the root, or the
// deleted children of a deleted folder. Listing the root first purges
// expired items.
func (d *Drive) Trash(ctx context.Context, owner, parent int64) ([]*namespace.Node, error) {
	if parent != namespace.RootID {
		return d.tree.ListTrashChildren(ctx, owner, parent)
	}
	if _, _, err := d.PurgeExpired(ctx, owner); err != nil {
		d.logger.Warn().Err(err).Int64("owner", owner).Msg("opportunistic trash purge failed")
	}
	return d.tree.ListTrashRoot(ctx, owner)
}

// PurgeExpired removes the owner's trash older than the retention period
// and releases the freed bytes from their quota.
func (d *Drive) PurgeExpired(ctx context.Context, owner int64) (int, int64, error) {
	if d.retention <= 0 {
		return 0, 0, nil
	}
	n, freed, err := d.tree.PurgeExpired(ctx, owner, d.retention)
	d.release(ctx, owner, freed)
	if n > 0 {
		d.audit.LogPurge(owner, audit.ReasonExpired, n, freed)
	}
	return n, freed, err
}

func (d *Drive) release(ctx context.Context, owner, freed int64) {
	if freed <= 0 {
		return
	}
	if err := d.quota.Adjust(ctx, owner, -freed); err != nil {
		d.logger.Error().Err(err).Int64("owner", owner).Int64("freed", freed).Msg("failed to release quota")
	}
}

// batch applies fn to every id, skipping ids that do not exist, and
// returns the number of ids processed. Each attempt is audited.
func (d *Drive) batch(owner int64, op string, target int64, ids []int64, fn func(id int64) error) (int, error) {
	done := 0
	for _, id := range ids {
		err := fn(id)
		if errors.Is(err, namespace.ErrNotFound) {
			continue
		}
		d.audit.LogNodeOp(owner, op, id, target, err)
		if err != nil {
			return done, fmt.Errorf("node %d: %w", id, err)
		}
		done++
	}
	return done, nil
}

// Delete moves nodes to the trash.
func (d *Drive) Delete(ctx context.Context, owner int64, ids ...int64) (int, error) {
	return d.batch(owner, "delete", 0, ids, func(id int64) error {
		_, err := d.tree.Delete(ctx, owner, id)
		return err
	})
}

// Restore takes nodes out of the trash.
func (d *Drive) Restore(ctx context.Context, owner int64, ids ...int64) (int, error) {
	return d.batch(owner, "restore", 0, ids, func(id int64) error {
		_, err := d.tree.Restore(ctx, owner, id)
		return err
	})
}

// Purge permanently deletes nodes and returns the bytes freed.
func (d *Drive) Purge(ctx context.Context, owner int64, ids ...int64) (int64, error) {
	var total int64
	n, err := d.batch(owner, "purge", 0, ids, func(id int64) error {
		freed, err := d.tree.PermanentDelete(ctx, owner, id)
		total += freed
		d.release(ctx, owner, freed)
		return err
	})
	if n > 0 {
		d.audit.LogPurge(owner, audit.ReasonManual, n, total)
	}
	return total, err
}

// Copy copies nodes into target. Each copy is charged against the owner's
// quota.
func (d *Drive) Copy(ctx context.Context, owner int64, target int64, ids ...int64) ([]*namespace.Node, error) {
	var out []*namespace.Node
	_, err := d.batch(owner, "copy", target, ids, func(id int64) error {
		size, err := d.tree.SubtreeSize(ctx, owner, id)
		if err != nil {
			return err
		}
		ok, err := d.quota.CanAllocate(ctx, owner, size)
		if err != nil {
			return err
		}
		if !ok {
			return ingest.ErrQuotaExceeded
		}
		n, copied, err := d.tree.Copy(ctx, owner, id, target)
		if err != nil {
			return err
		}
		if err := d.quota.Adjust(ctx, owner, copied); err != nil {
			d.logger.Error().Err(err).Int64("owner", owner).Int64("size", copied).Msg("failed to charge copy to quota")
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

// Move moves nodes into target.
func (d *Drive) Move(ctx context.Context, owner int64, target int64, ids ...int64) ([]*namespace.Node, error) {
	var out []*namespace.Node
	_, err := d.batch(owner, "move", target, ids, func(id int64) error {
		n, err := d.tree.Move(ctx, owner, id, target)
		if err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

// Usage returns the owner's quota statistics.
func (d *Drive) Usage(ctx context.Context, owner int64) (quota.Stats, error) {
	return d.quota.Stats(ctx, owner)
}

// SetQuota sets the owner's total allowance.
func (d *Drive) SetQuota(ctx context.Context, owner, total int64) error {
	err := d.quota.SetTotal(ctx, owner, total)
	d.audit.LogQuota(owner, total, err)
	return err
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	Sessions    int   `json:"sessions"`
	PurgedNodes int   `json:"purged_nodes"`
	FreedBytes  int64 `json:"freed_bytes"`
}

// Sweep discards chunk sessions idle for longer than sessionTTL and purges
// expired trash of every owner.
func (d *Drive) Sweep(ctx context.Context, sessionTTL time.Duration) (SweepReport, error) {
	rep, err := d.sweep(ctx, sessionTTL)
	d.audit.LogSweep(rep.Sessions, rep.PurgedNodes, rep.FreedBytes, err)
	return rep, err
}

func (d *Drive) sweep(ctx context.Context, sessionTTL time.Duration) (SweepReport, error) {
	var rep SweepReport
	n, err := d.chunks.SweepStale(ctx, sessionTTL)
	rep.Sessions = n
	if err != nil {
		return rep, err
	}

	owners, err := d.quota.Owners(ctx)
	if err != nil {
		return rep, err
	}
	for _, owner := range owners {
		nodes, freed, err := d.PurgeExpired(ctx, owner)
		rep.PurgedNodes += nodes
		rep.FreedBytes += freed
		if err != nil {
			return rep, fmt.Errorf("purge owner %d: %w", owner, err)
		}
	}
	return rep, nil
}
