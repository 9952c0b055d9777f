package namespace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/catalog"
)

const deleteBatch = 500

type childRef struct {
	id       int64
	name     string
	isFolder bool
	deleted  bool
	hash     string
	size     int64
}

// children lists the direct children of parent. deleted selects the
// state: nil for any, otherwise only nodes with that deletion flag.
func children(ctx context.Context, q catalog.Querier, owner, parent int64, deleted *bool) ([]childRef, error) {
	query := `SELECT n.id, n.name, n.is_folder, n.is_deleted, COALESCE(n.hash, ''), COALESCE(b.size, 0)` + nodeFrom +
		`WHERE n.owner_id = ? AND n.parent_id = ?`
	args := []any{owner, parent}
	if deleted != nil {
		query += " AND n.is_deleted = ?"
		args = append(args, catalog.BoolToInt(*deleted))
	}
	rows, err := q.QueryContext(ctx, query+" ORDER BY n.id", args...)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []childRef
	for rows.Next() {
		var c childRef
		var isFolder, deleted int
		if err := rows.Scan(&c.id, &c.name, &isFolder, &deleted, &c.hash, &c.size); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		c.isFolder = isFolder != 0
		c.deleted = deleted != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return out, nil
}

func boolPtr(b bool) *bool { return &b }

// Delete moves a node and every active descendant to the trash. Blob
// references are kept so the content stays recoverable.
func (t *Tree) Delete(ctx context.Context, owner, id int64) (*Node, error) {
	var out *Node
	err := t.db.WithTx(ctx, func(tx *catalog.Tx) error {
		n, err := getNode(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		if n.Deleted {
			out = n
			return nil
		}

		ts := t.now().UnixNano()
		if _, err := tx.ExecContext(ctx,
			"UPDATE nodes SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?", ts, ts, id); err != nil {
			return fmt.Errorf("delete node: %w", err)
		}

		queue := []int64{}
		if n.IsFolder {
			queue = append(queue, id)
		}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]

			kids, err := children(ctx, tx, owner, parent, boolPtr(false))
			if err != nil {
				return err
			}
			if len(kids) == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE nodes SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE owner_id = ? AND parent_id = ? AND is_deleted = 0",
				ts, ts, owner, parent); err != nil {
				return fmt.Errorf("delete children of %d: %w", parent, err)
			}
			for _, k := range kids {
				if k.isFolder {
					queue = append(queue, k.id)
				}
			}
		}

		out, err = getNode(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// restoreOne clears the deletion flag of n, renaming it when an active
// sibling took its name while it was in the trash.
func (t *Tree) restoreOne(ctx context.Context, tx *catalog.Tx, owner, id, parent int64, name string, ts int64) error {
	newName, err := uniqueName(ctx, tx, owner, parent, name, id)
	if err != nil {
		return err
	}
	if newName != name {
		t.logger.Debug().Int64("node", id).Str("name", name).Str("restored_as", newName).Msg("restored node renamed")
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE nodes SET is_deleted = 0, deleted_at = NULL, name = ?, updated_at = ? WHERE id = ?",
		newName, ts, id); err != nil {
		return fmt.Errorf("restore node %d: %w", id, err)
	}
	return nil
}

// Restore takes a node out of the trash together with all of its deleted
// descendants, then restores every deleted ancestor so the node is
// reachable from the root again.
func (t *Tree) Restore(ctx context.Context, owner, id int64) (*Node, error) {
	var out *Node
	err := t.withRetry(ctx, func(tx *catalog.Tx) error {
		n, err := getNode(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		ts := t.now().UnixNano()
		if n.Deleted {
			if err := t.restoreOne(ctx, tx, owner, n.ID, n.Parent, n.Name, ts); err != nil {
				return err
			}
		}

		queue := []int64{}
		if n.IsFolder {
			queue = append(queue, id)
		}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]

			kids, err := children(ctx, tx, owner, parent, nil)
			if err != nil {
				return err
			}
			for _, k := range kids {
				if k.deleted {
					if err := t.restoreOne(ctx, tx, owner, k.id, parent, k.name, ts); err != nil {
						return err
					}
				}
				if k.isFolder {
					queue = append(queue, k.id)
				}
			}
		}

		seen := map[int64]bool{id: true}
		for cur := n.Parent; cur != RootID && !seen[cur]; {
			seen[cur] = true
			p, err := getNode(ctx, tx, owner, cur)
			if errors.Is(err, ErrNotFound) {
				break
			}
			if err != nil {
				return err
			}
			if p.Deleted {
				if err := t.restoreOne(ctx, tx, owner, p.ID, p.Parent, p.Name, ts); err != nil {
					return err
				}
			}
			cur = p.Parent
		}

		out, err = getNode(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PermanentDelete removes a node and its whole subtree, releasing one blob
// reference per file node. It returns the logical bytes freed, the sum of
// the sizes of the removed file nodes. Blob reference errors are returned
// after every reference has been attempted; the nodes are gone either way.
func (t *Tree) PermanentDelete(ctx context.Context, owner, id int64) (int64, error) {
	_, freed, err := t.permanentDelete(ctx, owner, id)
	return freed, err
}

func (t *Tree) permanentDelete(ctx context.Context, owner, id int64) (nodes int, freed int64, err error) {
	var hashes []string
	err = t.db.WithTx(ctx, func(tx *catalog.Tx) error {
		n, err := getNode(ctx, tx, owner, id)
		if err != nil {
			return err
		}

		order := []int64{n.ID}
		if n.Hash != "" {
			hashes = append(hashes, n.Hash)
			freed += n.Size
		}
		queue := []int64{}
		if n.IsFolder {
			queue = append(queue, n.ID)
		}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]

			kids, err := children(ctx, tx, owner, parent, nil)
			if err != nil {
				return err
			}
			for _, k := range kids {
				order = append(order, k.id)
				if k.isFolder {
					queue = append(queue, k.id)
				} else if k.hash != "" {
					hashes = append(hashes, k.hash)
					freed += k.size
				}
			}
		}

		// Deepest nodes first.
		for end := len(order); end > 0; end -= deleteBatch {
			start := end - deleteBatch
			if start < 0 {
				start = 0
			}
			batch := order[start:end]
			args := make([]any, 0, len(batch)+1)
			args = append(args, owner)
			for i := len(batch) - 1; i >= 0; i-- {
				args = append(args, batch[i])
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM nodes WHERE owner_id = ? AND id IN ("+catalog.Placeholders(len(batch))+")", args...); err != nil {
				return fmt.Errorf("delete nodes: %w", err)
			}
		}
		nodes = len(order)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	var errs []error
	for _, h := range hashes {
		if _, err := t.blobs.Decrement(ctx, h); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				t.logger.Warn().Str("hash", h).Msg("purged node referenced a missing blob")
				continue
			}
			errs = append(errs, err)
		}
	}
	return nodes, freed, errors.Join(errs...)
}

// PurgeExpired permanently deletes the owner's trashed nodes deleted more
// than retentionDays ago. It returns the number of nodes removed and the
// bytes freed.
func (t *Tree) PurgeExpired(ctx context.Context, owner int64, retentionDays int) (int, int64, error) {
	cutoff := t.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	rows, err := t.db.QueryContext(ctx,
		"SELECT id FROM nodes WHERE owner_id = ? AND is_deleted = 1 AND deleted_at < ? ORDER BY id",
		owner, cutoff.UnixNano())
	if err != nil {
		return 0, 0, fmt.Errorf("query expired nodes: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, 0, fmt.Errorf("scan expired node: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return 0, 0, fmt.Errorf("iterate expired nodes: %w", err)
	}

	var (
		purged int
		freed  int64
	)
	for _, id := range ids {
		n, f, err := t.permanentDelete(ctx, owner, id)
		if errors.Is(err, ErrNotFound) {
			// Already removed with an expired ancestor.
			continue
		}
		purged += n
		freed += f
		if err != nil {
			t.metrics.RecordPurged(purged)
			return purged, freed, err
		}
	}

	if purged > 0 {
		t.logger.Info().Int64("owner", owner).Int("nodes", purged).Int64("freed", freed).Msg("expired trash purged")
	}
	t.metrics.RecordPurged(purged)
	return purged, freed, nil
}

// ListTrashRoot returns the topmost deleted nodes of the owner: deleted
// nodes whose parent is the root, missing, or still active.
func (t *Tree) ListTrashRoot(ctx context.Context, owner int64) ([]*Node, error) {
	return queryNodes(ctx, t.db,
		"SELECT "+nodeColumns+nodeFrom+
			`LEFT JOIN nodes p ON p.id = n.parent_id AND p.owner_id = n.owner_id
		 WHERE n.owner_id = ? AND n.is_deleted = 1
		   AND (n.parent_id = 0 OR p.id IS NULL OR p.is_deleted = 0)
		 ORDER BY n.deleted_at DESC, n.id`, owner)
}

// ListTrashChildren returns the deleted children of a deleted folder.
func (t *Tree) ListTrashChildren(ctx context.Context, owner, parent int64) ([]*Node, error) {
	return queryNodes(ctx, t.db,
		"SELECT "+nodeColumns+nodeFrom+
			"WHERE n.owner_id = ? AND n.parent_id = ? AND n.is_deleted = 1 ORDER BY n.is_folder DESC, n.name, n.id",
		owner, parent)
}
