package content

import (
	"errors"
	"fmt"

	"github.com/keithlinneman/mdxemit/internal/pathutil"
	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// ValidationOptions controls which checks Validate performs.
// Zero value checks names and uniqueness only.
type ValidationOptions struct {
	// MaxEntryBytes rejects entries whose content is larger.
	// 0 disables the check.
	MaxEntryBytes int

	// AllowEmptyContent permits entries with no content. Off by default since
	// an empty .mdx is almost always a mistake in the catalog.
	AllowEmptyContent bool
}

// DefaultValidationOptions returns the limits used by the CLI.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxEntryBytes: 10 * 1024 * 1024, // matches the site loader's per-file limit
	}
}

// Validate checks a catalog before anything is written. Every problem is
// reported, joined into one error. Front matter is not inspected.
func Validate(c Catalog, opts ValidationOptions) error {
	if len(c.Entries) == 0 {
		return xerrors.New("validate: catalog has no entries")
	}

	var errs []error
	seen := make(map[string]int, len(c.Entries))
	for i, e := range c.Entries {
		if err := pathutil.ValidateEntryName(e.Name); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if j, dup := seen[e.Name]; dup {
			errs = append(errs, fmt.Errorf("entry %d: duplicate name %q (first at entry %d)", i, e.Name, j))
			continue
		}
		seen[e.Name] = i

		if e.Content == "" && !opts.AllowEmptyContent {
			errs = append(errs, fmt.Errorf("entry %d (%s): content is empty", i, e.Name))
		}
		if opts.MaxEntryBytes > 0 && len(e.Content) > opts.MaxEntryBytes {
			errs = append(errs, fmt.Errorf("entry %d (%s): content is %d bytes, limit %d",
				i, e.Name, len(e.Content), opts.MaxEntryBytes))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(errors.Join(errs...), "validate")
	}
	return nil
}
