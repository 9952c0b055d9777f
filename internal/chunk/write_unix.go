//go:build !windows

package chunk

import (
	"fmt"
	"io"

	"github.com/google/renameio"
)

// writeFile replaces path with the contents of r. Readers see either the
// previous file or the complete new one, never a partial write.
func writeFile(path string, r io.Reader) (int64, error) {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return 0, fmt.Errorf("create chunk temp: %w", err)
	}
	defer func() { _ = t.Cleanup() }()

	n, err := io.Copy(t, r)
	if err != nil {
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("commit chunk: %w", err)
	}
	return n, nil
}
