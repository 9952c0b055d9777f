package namespace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/skyvault/skyvault/internal/catalog"
)

// SplitPath splits a slash separated relative path into its folder
// segments and final file name. Empty segments are dropped.
func SplitPath(rel string) (folders []string, file string) {
	parts := strings.Split(rel, "/")
	file = parts[len(parts)-1]
	for _, p := range parts[:len(parts)-1] {
		if p != "" {
			folders = append(folders, p)
		}
	}
	return folders, file
}

// ResolveOrCreatePath walks the folder part of rel (everything before the
// last "/") from parent, creating missing folders, and returns the id of
// the folder that should hold the file. Resolutions for the same owner are
// serialized.
func (t *Tree) ResolveOrCreatePath(ctx context.Context, owner, parent int64, rel string) (int64, error) {
	folders, _ := SplitPath(rel)

	unlock := t.paths.Lock(ownerKey(owner))
	defer unlock()

	if err := checkParent(ctx, t.db, owner, parent); err != nil {
		return 0, err
	}
	cur := parent
	for _, name := range folders {
		id, err := t.findOrCreateFolder(ctx, owner, cur, name)
		if err != nil {
			return 0, fmt.Errorf("resolve %q: %w", name, err)
		}
		cur = id
	}
	return cur, nil
}

func (t *Tree) findOrCreateFolder(ctx context.Context, owner, parent int64, name string) (int64, error) {
	id, err := findFolder(ctx, t.db, owner, parent, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	taken, err := nameTaken(ctx, t.db, owner, parent, name, 0)
	if err != nil {
		return 0, err
	}
	if taken {
		// A file holds the name.
		return 0, ErrNameConflict
	}

	_, err = insertNode(ctx, t.db, owner, parent, name, true, "", t.now().UnixNano())
	if err != nil && !catalog.IsUniqueViolation(err) {
		return 0, err
	}
	// Whether we inserted or lost the race, the oldest active folder with
	// this name is canonical.
	return t.collapseDuplicates(ctx, owner, parent, name)
}

func findFolder(ctx context.Context, q catalog.Querier, owner, parent int64, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE owner_id = ? AND parent_id = ? AND name = ? AND is_folder = 1 AND is_deleted = 0
		 ORDER BY id LIMIT 1`, owner, parent, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("find folder: %w", err)
	}
	return id, nil
}

// collapseDuplicates keeps the oldest active folder named name under
// parent and removes newer duplicates that are still empty. It returns
// the surviving folder.
func (t *Tree) collapseDuplicates(ctx context.Context, owner, parent int64, name string) (int64, error) {
	var keep int64
	err := t.db.WithTx(ctx, func(tx *catalog.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM nodes WHERE owner_id = ? AND parent_id = ? AND name = ? AND is_folder = 1 AND is_deleted = 0 ORDER BY id",
			owner, parent, name)
		if err != nil {
			return fmt.Errorf("query duplicates: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan duplicate: %w", err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return fmt.Errorf("iterate duplicates: %w", err)
		}
		if len(ids) == 0 {
			return ErrNameConflict
		}

		keep = ids[0]
		for _, dup := range ids[1:] {
			res, err := tx.ExecContext(ctx,
				"DELETE FROM nodes WHERE id = ? AND NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent_id = ? AND c.owner_id = ?)",
				dup, dup, owner)
			if err != nil {
				return fmt.Errorf("remove duplicate folder: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				t.logger.Info().Int64("owner", owner).Int64("kept", keep).Int64("removed", dup).Str("name", name).
					Msg("duplicate folder collapsed")
			}
		}
		return nil
	})
	return keep, err
}
