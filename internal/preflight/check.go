package preflight

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keithlinneman/mdxemit/internal/content"
	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// Check reports a problem, or nil.
type Check interface{ Run(context.Context) error }

// CheckFunc adapts a function into a Check.
type CheckFunc func(context.Context) error

func (f CheckFunc) Run(ctx context.Context) error { return f(ctx) }

// Named prefixes a check's failure with name.
func Named(name string, c Check) CheckFunc {
	return func(ctx context.Context) error {
		if err := c.Run(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// All runs every check and joins the failures. A canceled context stops
// the remaining checks.
func All(cs ...Check) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, c := range cs {
			if c == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := c.Run(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// First runs checks in order and returns the first failure.
func First(cs ...Check) CheckFunc {
	return func(ctx context.Context) error {
		for _, c := range cs {
			if c == nil {
				continue
			}
			if err := c.Run(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// BaseDir passes when dir exists, is a directory and accepts new files.
// Writability is probed with a temp file that is removed again.
func BaseDir(dir string) CheckFunc {
	return func(context.Context) error {
		if dir == "" {
			return xerrors.New("base directory not set")
		}
		info, err := os.Stat(dir)
		if err != nil {
			return xerrors.Wrapf(err, "base directory %s", dir)
		}
		if !info.IsDir() {
			return xerrors.Newf("base directory %s is not a directory", dir)
		}
		f, err := os.CreateTemp(dir, ".mdxemit-preflight-*")
		if err != nil {
			return xerrors.Wrapf(err, "base directory %s is not writable", dir)
		}
		name := f.Name()
		cerr := f.Close()
		rerr := os.Remove(name)
		if err := errors.Join(cerr, rerr); err != nil {
			return xerrors.Wrapf(err, "remove preflight probe %s", name)
		}
		return nil
	}
}

// Catalog passes when c satisfies opts.
func Catalog(c content.Catalog, opts content.ValidationOptions) CheckFunc {
	return func(context.Context) error {
		return content.Validate(c, opts)
	}
}

// TargetsAbsent passes when none of the catalog's files exist under dir.
// Every existing target is reported.
func TargetsAbsent(dir string, c content.Catalog) CheckFunc {
	return func(context.Context) error {
		var errs []error
		for _, name := range c.Names() {
			p := filepath.Join(dir, name)
			_, err := os.Lstat(p)
			switch {
			case err == nil:
				errs = append(errs, &fs.PathError{Op: "preflight", Path: p, Err: fs.ErrExist})
			case !errors.Is(err, fs.ErrNotExist):
				errs = append(errs, xerrors.Wrapf(err, "stat %s", p))
			}
		}
		return errors.Join(errs...)
	}
}
