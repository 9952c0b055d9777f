//go:build windows

package blob

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func diskUsage(path string) (diskSpace, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return diskSpace{}, fmt.Errorf("volume path %s: %w", path, err)
	}
	var ds diskSpace
	if err := windows.GetDiskFreeSpaceEx(p, &ds.avail, &ds.total, &ds.free); err != nil {
		return diskSpace{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return ds, nil
}
