// Package namespace maintains each owner's folder/file hierarchy: entry
// creation with name disambiguation, soft delete and restore, permanent
// purge with blob reference release, copy, move and path resolution.
//
// Cascading operations walk the tree with explicit worklists, never
// recursion, so depth is bounded only by storage.
package namespace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/catalog"
	"github.com/skyvault/skyvault/internal/lockmap"
	"github.com/skyvault/skyvault/internal/metrics"
)

// RootID is the parent id of top-level nodes.
const RootID int64 = 0

const (
	// conflictAttempts bounds retries after a concurrent writer takes a
	// sibling name between our probe and our insert.
	conflictAttempts = 5
	pathLockShards   = 64
)

// Node is one file or folder in an owner's namespace.
type Node struct {
	ID        int64      `json:"id"`
	Owner     int64      `json:"owner"`
	Parent    int64      `json:"parent"`
	Name      string     `json:"name"`
	IsFolder  bool       `json:"is_folder"`
	Hash      string     `json:"hash,omitempty"`
	Size      int64      `json:"size"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Blobs is the reference-counting side of the blob store used by the tree.
type Blobs interface {
	Retain(ctx context.Context, q catalog.Querier, hash string) (*blob.Record, error)
	Decrement(ctx context.Context, hash string) (*blob.Record, error)
}

// ConflictPolicy decides what CreateEntry does when an active sibling
// already uses the requested name.
type ConflictPolicy int

const (
	// ConflictRename picks a free "name (n).ext" variant.
	ConflictRename ConflictPolicy = iota
	// ConflictFail returns ErrNameConflict.
	ConflictFail
)

// Entry describes a node to create.
type Entry struct {
	Parent   int64
	Name     string
	IsFolder bool
	Hash     string // content hash of a file; empty for folders
}

// Options configures a Tree.
type Options struct {
	Metrics *metrics.StorageMetrics // Optional
	Logger  zerolog.Logger          // Structured logger (optional)
	Clock   func() time.Time        // Defaults to time.Now
}

// Tree is the namespace of every owner.
type Tree struct {
	db      *catalog.DB
	blobs   Blobs
	paths   *lockmap.Sharded
	metrics *metrics.StorageMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a namespace tree over db.
func New(db *catalog.DB, blobs Blobs, opts Options) *Tree {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Tree{
		db:      db,
		blobs:   blobs,
		paths:   lockmap.NewSharded(pathLockShards),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     now,
	}
}

const nodeColumns = `n.id, n.owner_id, n.parent_id, n.name, n.is_folder, COALESCE(n.hash, ''),
	n.is_deleted, n.deleted_at, n.created_at, n.updated_at, COALESCE(b.size, 0)`

const nodeFrom = " FROM nodes n LEFT JOIN blobs b ON b.hash = n.hash "

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var isFolder, deleted int
	var deletedAt sql.NullInt64
	var created, updated int64
	if err := row.Scan(&n.ID, &n.Owner, &n.Parent, &n.Name, &isFolder, &n.Hash,
		&deleted, &deletedAt, &created, &updated, &n.Size); err != nil {
		return nil, err
	}
	n.IsFolder = isFolder != 0
	n.Deleted = deleted != 0
	if deletedAt.Valid {
		ts := time.Unix(0, deletedAt.Int64).UTC()
		n.DeletedAt = &ts
	}
	n.CreatedAt = time.Unix(0, created).UTC()
	n.UpdatedAt = time.Unix(0, updated).UTC()
	return &n, nil
}

func queryNodes(ctx context.Context, q catalog.Querier, query string, args ...any) ([]*Node, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

func getNode(ctx context.Context, q catalog.Querier, owner, id int64) (*Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx,
		"SELECT "+nodeColumns+nodeFrom+"WHERE n.owner_id = ? AND n.id = ?", owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	return n, nil
}

func getActive(ctx context.Context, q catalog.Querier, owner, id int64) (*Node, error) {
	n, err := getNode(ctx, q, owner, id)
	if err != nil {
		return nil, err
	}
	if n.Deleted {
		return nil, ErrNotFound
	}
	return n, nil
}

// checkParent verifies that parent can receive children: the root, or an
// active folder of owner.
func checkParent(ctx context.Context, q catalog.Querier, owner, parent int64) error {
	if parent == RootID {
		return nil
	}
	p, err := getActive(ctx, q, owner, parent)
	if err != nil {
		return fmt.Errorf("parent %d: %w", parent, err)
	}
	if !p.IsFolder {
		return ErrNotFolder
	}
	return nil
}

// withRetry runs fn in a transaction, rerunning it when a concurrent
// writer wins a sibling name.
func (t *Tree) withRetry(ctx context.Context, fn func(tx *catalog.Tx) error) error {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		err = t.db.WithTx(ctx, fn)
		if err == nil || !catalog.IsUniqueViolation(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrNameConflict, err)
}

func ownerKey(owner int64) string {
	return strconv.FormatInt(owner, 10)
}

// Get returns a node in any state.
func (t *Tree) Get(ctx context.Context, owner, id int64) (*Node, error) {
	return getNode(ctx, t.db, owner, id)
}

// UniqueName returns name if no active child of parent uses it, otherwise
// the first free "base (n).ext" variant.
func (t *Tree) UniqueName(ctx context.Context, owner, parent int64, name string) (string, error) {
	return uniqueName(ctx, t.db, owner, parent, name, 0)
}

// splitExt splits "report.pdf" into "report" and ".pdf". Dotfiles and
// names without a dot have no extension.
func splitExt(name string) (base, ext string) {
	if strings.HasPrefix(name, ".") {
		return name, ""
	}
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func uniqueName(ctx context.Context, q catalog.Querier, owner, parent int64, name string, exclude int64) (string, error) {
	base, ext := splitExt(name)
	pattern := likeEscaper.Replace(base) + "%" + likeEscaper.Replace(ext)

	rows, err := q.QueryContext(ctx,
		`SELECT name FROM nodes WHERE owner_id = ? AND parent_id = ? AND is_deleted = 0 AND id <> ?
		 AND name LIKE ? ESCAPE '\'`,
		owner, parent, exclude, pattern)
	if err != nil {
		return "", fmt.Errorf("query sibling names: %w", err)
	}
	taken := make(map[string]struct{})
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			_ = rows.Close()
			return "", fmt.Errorf("scan sibling name: %w", err)
		}
		taken[s] = struct{}{}
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return "", fmt.Errorf("iterate sibling names: %w", err)
	}

	if _, ok := taken[name]; !ok {
		return name, nil
	}
	for n := 1; ; n++ {
		candidate := base + " (" + strconv.Itoa(n) + ")" + ext
		if _, ok := taken[candidate]; !ok {
			return candidate, nil
		}
	}
}

func nameTaken(ctx context.Context, q catalog.Querier, owner, parent int64, name string, exclude int64) (bool, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM nodes WHERE owner_id = ? AND parent_id = ? AND name = ? AND is_deleted = 0 AND id <> ? LIMIT 1",
		owner, parent, name, exclude).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check sibling name: %w", err)
	}
	return true, nil
}

func nullHash(hash string) sql.NullString {
	return sql.NullString{String: hash, Valid: hash != ""}
}

func insertNode(ctx context.Context, q catalog.Querier, owner, parent int64, name string, isFolder bool, hash string, now int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO nodes (owner_id, parent_id, name, is_folder, hash, is_deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?) RETURNING id`,
		owner, parent, name, catalog.BoolToInt(isFolder), nullHash(hash), now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert node: %w", err)
	}
	return id, nil
}

// CreateEntry inserts a node under e.Parent. The blob reference of a file
// entry must already be held by the caller.
func (t *Tree) CreateEntry(ctx context.Context, owner int64, e Entry, policy ConflictPolicy) (*Node, error) {
	if e.IsFolder && e.Hash != "" {
		return nil, fmt.Errorf("folder %q cannot reference content", e.Name)
	}
	if !e.IsFolder && e.Hash == "" {
		return nil, fmt.Errorf("file %q has no content hash", e.Name)
	}

	var out *Node
	err := t.withRetry(ctx, func(tx *catalog.Tx) error {
		if err := checkParent(ctx, tx, owner, e.Parent); err != nil {
			return err
		}
		name := e.Name
		if policy == ConflictFail {
			taken, err := nameTaken(ctx, tx, owner, e.Parent, name, 0)
			if err != nil {
				return err
			}
			if taken {
				return ErrNameConflict
			}
		} else {
			var err error
			if name, err = uniqueName(ctx, tx, owner, e.Parent, name, 0); err != nil {
				return err
			}
		}

		id, err := insertNode(ctx, tx, owner, e.Parent, name, e.IsFolder, e.Hash, t.now().UnixNano())
		if err != nil {
			if policy == ConflictFail && catalog.IsUniqueViolation(err) {
				return ErrNameConflict
			}
			return err
		}
		out, err = getNode(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rename changes the name of an active node. It fails with ErrNameConflict
// if an active sibling already uses newName.
func (t *Tree) Rename(ctx context.Context, owner, id int64, newName string) (*Node, error) {
	var out *Node
	err := t.db.WithTx(ctx, func(tx *catalog.Tx) error {
		n, err := getActive(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		if n.Name == newName {
			out = n
			return nil
		}
		taken, err := nameTaken(ctx, tx, owner, n.Parent, newName, id)
		if err != nil {
			return err
		}
		if taken {
			return ErrNameConflict
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE nodes SET name = ?, updated_at = ? WHERE id = ?",
			newName, t.now().UnixNano(), id); err != nil {
			if catalog.IsUniqueViolation(err) {
				return ErrNameConflict
			}
			return fmt.Errorf("rename node: %w", err)
		}
		out, err = getNode(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListChildren returns the children of parent, folders first then by
// name. With activeOnly unset deleted children are included.
func (t *Tree) ListChildren(ctx context.Context, owner, parent int64, activeOnly bool) ([]*Node, error) {
	query := "SELECT " + nodeColumns + nodeFrom + "WHERE n.owner_id = ? AND n.parent_id = ?"
	if activeOnly {
		query += " AND n.is_deleted = 0"
	}
	return queryNodes(ctx, t.db, query+" ORDER BY n.is_folder DESC, n.name, n.id", owner, parent)
}

// Search returns the owner's active nodes whose name contains substr.
func (t *Tree) Search(ctx context.Context, owner int64, substr string) ([]*Node, error) {
	return queryNodes(ctx, t.db,
		"SELECT "+nodeColumns+nodeFrom+`WHERE n.owner_id = ? AND n.is_deleted = 0 AND n.name LIKE ? ESCAPE '\'
		 ORDER BY n.is_folder DESC, n.name, n.id`,
		owner, "%"+likeEscaper.Replace(substr)+"%")
}
