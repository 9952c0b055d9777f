package namespace

import (
	"context"
	"errors"
	"fmt"

	"github.com/skyvault/skyvault/internal/catalog"
)

// maxDepth guards ancestor walks against a corrupted parent chain.
const maxDepth = 4096

// Ancestors returns the chain from the topmost ancestor down to the node
// itself.
func (t *Tree) Ancestors(ctx context.Context, owner, id int64) ([]*Node, error) {
	return ancestors(ctx, t.db, owner, id)
}

func ancestors(ctx context.Context, q catalog.Querier, owner, id int64) ([]*Node, error) {
	var chain []*Node
	for cur := id; cur != RootID; {
		if len(chain) >= maxDepth {
			return nil, fmt.Errorf("ancestor chain of %d exceeds %d levels", id, maxDepth)
		}
		n, err := getNode(ctx, q, owner, cur)
		if errors.Is(err, ErrNotFound) && len(chain) > 0 {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, n)
		cur = n.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// SubtreeSize returns the logical bytes of the active files in the
// subtree rooted at id.
func (t *Tree) SubtreeSize(ctx context.Context, owner, id int64) (int64, error) {
	n, err := getActive(ctx, t.db, owner, id)
	if err != nil {
		return 0, err
	}
	if !n.IsFolder {
		return n.Size, nil
	}
	var total int64
	queue := []int64{n.ID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		kids, err := children(ctx, t.db, owner, parent, boolPtr(false))
		if err != nil {
			return 0, err
		}
		for _, k := range kids {
			if k.isFolder {
				queue = append(queue, k.id)
			} else {
				total += k.size
			}
		}
	}
	return total, nil
}

type snapshotNode struct {
	childRef
	parent int64
}

// Copy deep-copies an active node into target under fresh ids. File
// copies take a new reference on their blob; no bytes are copied. The
// subtree is captured before any insert so copying a folder into itself
// terminates. It returns the new top node and the logical bytes copied.
func (t *Tree) Copy(ctx context.Context, owner, id, target int64) (*Node, int64, error) {
	var (
		out    *Node
		copied int64
	)
	err := t.withRetry(ctx, func(tx *catalog.Tx) error {
		copied = 0
		src, err := getActive(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		if err := checkParent(ctx, tx, owner, target); err != nil {
			return err
		}

		var nodes []snapshotNode
		if src.IsFolder {
			queue := []int64{src.ID}
			for len(queue) > 0 {
				parent := queue[0]
				queue = queue[1:]
				kids, err := children(ctx, tx, owner, parent, boolPtr(false))
				if err != nil {
					return err
				}
				for _, k := range kids {
					nodes = append(nodes, snapshotNode{childRef: k, parent: parent})
					if k.isFolder {
						queue = append(queue, k.id)
					}
				}
			}
		}

		ts := t.now().UnixNano()
		clone := func(parent int64, name string, isFolder bool, hash string, size int64) (int64, error) {
			name, err := uniqueName(ctx, tx, owner, parent, name, 0)
			if err != nil {
				return 0, err
			}
			if !isFolder && hash != "" {
				if _, err := t.blobs.Retain(ctx, tx, hash); err != nil {
					return 0, fmt.Errorf("retain %s: %w", hash, err)
				}
				copied += size
			}
			return insertNode(ctx, tx, owner, parent, name, isFolder, hash, ts)
		}

		topID, err := clone(target, src.Name, src.IsFolder, src.Hash, src.Size)
		if err != nil {
			return err
		}
		newIDs := map[int64]int64{src.ID: topID}
		for _, n := range nodes {
			newID, err := clone(newIDs[n.parent], n.name, n.isFolder, n.hash, n.size)
			if err != nil {
				return err
			}
			newIDs[n.id] = newID
		}

		out, err = getNode(ctx, tx, owner, topID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, copied, nil
}

// Move reparents an active node under target, renaming it if the name is
// taken there. Moving a folder into itself or one of its descendants
// fails with ErrCyclicMove.
func (t *Tree) Move(ctx context.Context, owner, id, target int64) (*Node, error) {
	var out *Node
	err := t.withRetry(ctx, func(tx *catalog.Tx) error {
		n, err := getActive(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		if target == id {
			return ErrCyclicMove
		}
		chain, err := ancestors(ctx, tx, owner, target)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		for _, a := range chain {
			if a.ID == id {
				return ErrCyclicMove
			}
		}
		if err := checkParent(ctx, tx, owner, target); err != nil {
			return err
		}
		if n.Parent == target {
			out = n
			return nil
		}

		name, err := uniqueName(ctx, tx, owner, target, n.Name, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE nodes SET parent_id = ?, name = ?, updated_at = ? WHERE id = ?",
			target, name, t.now().UnixNano(), id); err != nil {
			return fmt.Errorf("move node: %w", err)
		}
		out, err = getNode(ctx, tx, owner, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
