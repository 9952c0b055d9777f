package drive

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxNameLength = 255

const illegalChars = `<>:"/\|?*`

// ValidateName checks a single file or folder name.
func ValidateName(name string) error {
	switch {
	case name == "" || strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: contains a null byte", ErrInvalidName)
	case strings.ContainsAny(name, illegalChars):
		return fmt.Errorf("%w: %q contains one of %s", ErrInvalidName, name, illegalChars)
	}
	return nil
}

// validatePath checks every segment of a slash separated relative path.
// Empty segments are allowed and ignored.
func validatePath(rel string) error {
	segments := strings.Split(rel, "/")
	for i, s := range segments {
		if s == "" && i < len(segments)-1 {
			continue
		}
		if err := ValidateName(s); err != nil {
			return err
		}
	}
	return nil
}
