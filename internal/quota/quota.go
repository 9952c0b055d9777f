// Package quota keeps the per-owner storage ledger: bytes used and the
// owner's total allowance. A total of zero means unlimited.
package quota

import (
	"context"
	"fmt"

	"github.com/skyvault/skyvault/internal/catalog"
)

// Manager tracks storage usage and quotas of every owner.
type Manager struct {
	db           *catalog.DB
	defaultTotal int64 // 0 = unlimited
}

// NewManager creates a ledger. Owners seen for the first time get
// defaultTotal bytes.
func NewManager(db *catalog.DB, defaultTotal int64) *Manager {
	return &Manager{db: db, defaultTotal: defaultTotal}
}

// Ensure creates the owner's ledger row if it does not exist yet.
func (m *Manager) Ensure(ctx context.Context, owner int64) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO owners (owner_id, quota_total, quota_used) VALUES (?, ?, 0) ON CONFLICT (owner_id) DO NOTHING",
		owner, m.defaultTotal)
	if err != nil {
		return fmt.Errorf("ensure owner %d: %w", owner, err)
	}
	return nil
}

// Usage returns the owner's used and total bytes.
func (m *Manager) Usage(ctx context.Context, owner int64) (used, total int64, err error) {
	if err := m.Ensure(ctx, owner); err != nil {
		return 0, 0, err
	}
	err = m.db.QueryRowContext(ctx,
		"SELECT quota_used, quota_total FROM owners WHERE owner_id = ?", owner).Scan(&used, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("owner %d usage: %w", owner, err)
	}
	return used, total, nil
}

// Adjust adds delta (negative to release) to the owner's used bytes.
// Usage never drops below zero.
func (m *Manager) Adjust(ctx context.Context, owner, delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := m.Ensure(ctx, owner); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE owners SET quota_used = CASE WHEN quota_used + ? < 0 THEN 0 ELSE quota_used + ? END
		 WHERE owner_id = ?`, delta, delta, owner)
	if err != nil {
		return fmt.Errorf("adjust owner %d usage: %w", owner, err)
	}
	return nil
}

// SetTotal sets the owner's allowance. Zero means unlimited.
func (m *Manager) SetTotal(ctx context.Context, owner, total int64) error {
	if total < 0 {
		return fmt.Errorf("negative quota %d", total)
	}
	if err := m.Ensure(ctx, owner); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx,
		"UPDATE owners SET quota_total = ? WHERE owner_id = ?", total, owner); err != nil {
		return fmt.Errorf("set owner %d quota: %w", owner, err)
	}
	return nil
}

// CanAllocate checks if the given number of bytes fits in the owner's quota.
func (m *Manager) CanAllocate(ctx context.Context, owner, bytes int64) (bool, error) {
	used, total, err := m.Usage(ctx, owner)
	if err != nil {
		return false, err
	}
	return total == 0 || used+bytes <= total, nil
}

// Stats holds one owner's quota statistics.
type Stats struct {
	Owner          int64 `json:"owner"`
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"` // -1 if unlimited
}

// Stats returns current quota statistics of owner.
func (m *Manager) Stats(ctx context.Context, owner int64) (Stats, error) {
	used, total, err := m.Usage(ctx, owner)
	if err != nil {
		return Stats{}, err
	}
	avail := int64(-1)
	if total > 0 {
		avail = total - used
		if avail < 0 {
			avail = 0
		}
	}
	return Stats{Owner: owner, TotalBytes: total, UsedBytes: used, AvailableBytes: avail}, nil
}

// Owners returns every owner with a ledger row.
func (m *Manager) Owners(ctx context.Context) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT owner_id FROM owners ORDER BY owner_id")
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var owners []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}
