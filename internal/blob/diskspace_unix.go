//go:build !windows

package blob

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func diskUsage(path string) (diskSpace, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return diskSpace{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Field widths differ between platforms (Bsize is uint32 on darwin,
	// Bavail is int64 on freebsd).
	block := uint64(st.Bsize) //nolint:unconvert
	return diskSpace{
		total: uint64(st.Blocks) * block, //nolint:unconvert
		free:  uint64(st.Bfree) * block,  //nolint:unconvert
		avail: uint64(st.Bavail) * block, //nolint:unconvert
	}, nil
}
