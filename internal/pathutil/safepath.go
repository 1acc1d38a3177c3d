// Package pathutil holds the filename rules for content entries.
package pathutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyName   = errors.New("empty name")
	ErrNotBaseName = errors.New("name must be a single path element")
	ErrDotSegment  = errors.New("name must not be . or ..")
	ErrNULByte     = errors.New("name contains NUL byte")
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ValidateEntryName checks that name joins to a file directly inside a base
// directory: one element, no separators of either flavor, no volume, no dot
// segments. Subdirectories are never created, so they are not accepted.
func ValidateEntryName(name string) error {
	var err error
	switch {
	case name == "":
		err = ErrEmptyName
	case strings.IndexByte(name, 0) >= 0:
		err = ErrNULByte
	case HasDotSegments(name):
		err = ErrDotSegment
	case strings.ContainsAny(name, `/\`), filepath.VolumeName(name) != "", filepath.IsAbs(name):
		err = ErrNotBaseName
	}
	if err != nil {
		return fmt.Errorf("invalid entry name %q: %w", name, err)
	}
	return nil
}
