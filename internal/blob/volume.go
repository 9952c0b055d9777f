package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyvault/skyvault/internal/metrics"
)

// VolumeSnapshot is a point-in-time view of one storage volume.
type VolumeSnapshot struct {
	Path           string    `json:"path"`
	Timestamp      time.Time `json:"timestamp"`
	TotalBytes     int64     `json:"total_bytes"`
	UsedBytes      int64     `json:"used_bytes"`
	AvailableBytes int64     `json:"available_bytes"`
	Err            string    `json:"error,omitempty"`
}

// Usable reports whether the volume answered the probe and still has at
// least minFree bytes left after storing need bytes.
func (v *VolumeSnapshot) Usable(need, minFree int64) bool {
	return v.Err == "" && v.AvailableBytes-need >= minFree
}

type statFunc func(path string) (total, used, available int64, err error)

// diskSpace is the raw answer of the platform free-space call. avail is
// what an unprivileged writer may still use; free includes reserved blocks.
type diskSpace struct {
	total uint64
	free  uint64
	avail uint64
}

// GetVolumeStats returns the total, used and available bytes of the
// filesystem holding path.
func GetVolumeStats(path string) (total, used, available int64, err error) {
	ds, err := diskUsage(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return int64(ds.total), int64(ds.total - ds.free), int64(ds.avail), nil
}

// VolumeSet chooses among the configured storage volumes. Free space is
// probed on every selection, never cached, so placement follows volumes as
// they fill.
type VolumeSet struct {
	paths   []string
	minFree int64
	stat    statFunc
	metrics *metrics.StorageMetrics
	logger  zerolog.Logger
}

// NewVolumeSet creates a volume set. Paths are cleaned and de-duplicated.
func NewVolumeSet(paths []string, minFree int64, m *metrics.StorageMetrics, logger zerolog.Logger) *VolumeSet {
	seen := make(map[string]struct{}, len(paths))
	clean := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		clean = append(clean, p)
	}
	return &VolumeSet{
		paths:   clean,
		minFree: minFree,
		stat:    GetVolumeStats,
		metrics: m,
		logger:  logger,
	}
}

// Paths returns the configured volume paths.
func (vs *VolumeSet) Paths() []string {
	out := make([]string, len(vs.paths))
	copy(out, vs.paths)
	return out
}

// Snapshots probes every volume.
func (vs *VolumeSet) Snapshots() []VolumeSnapshot {
	snaps := make([]VolumeSnapshot, 0, len(vs.paths))
	for _, p := range vs.paths {
		snaps = append(snaps, vs.probe(p))
	}
	return snaps
}

func (vs *VolumeSet) probe(path string) VolumeSnapshot {
	snap := VolumeSnapshot{Path: path, Timestamp: time.Now().UTC()}
	if err := os.MkdirAll(path, 0755); err != nil {
		snap.Err = fmt.Sprintf("create volume dir: %v", err)
		return snap
	}
	total, used, avail, err := vs.stat(path)
	if err != nil {
		snap.Err = err.Error()
		return snap
	}
	snap.TotalBytes, snap.UsedBytes, snap.AvailableBytes = total, used, avail
	vs.metrics.SetVolumeAvailable(path, avail)
	return snap
}

// Select returns the usable volume with the most available bytes for a
// blob of need bytes. Unreachable volumes and volumes that would drop
// below the free-space floor are skipped.
func (vs *VolumeSet) Select(need int64) (string, error) {
	if len(vs.paths) == 0 {
		return "", fmt.Errorf("%w: no volumes configured", ErrNoVolumeAvailable)
	}

	snaps := vs.Snapshots()
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].AvailableBytes > snaps[j].AvailableBytes
	})

	for _, snap := range snaps {
		if snap.Err != "" {
			vs.logger.Warn().Str("volume", snap.Path).Str("error", snap.Err).Msg("skipping unreachable volume")
			continue
		}
		if snap.Usable(need, vs.minFree) {
			return snap.Path, nil
		}
	}
	return "", ErrNoVolumeAvailable
}
