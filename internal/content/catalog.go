package content

import (
	"embed"
	"io/fs"
	"sort"

	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// posts/ must hold at least one .mdx file to satisfy go:embed
//
//go:embed posts/*.mdx
var embedded embed.FS

// Entry is one document: its filename relative to the base directory and
// its full literal content.
type Entry struct {
	Name    string `yaml:"name" json:"name"`
	Content string `yaml:"content" json:"content"`
}

// Catalog is an ordered set of entries. Order is the write order.
type Catalog struct {
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Len returns the number of entries.
func (c Catalog) Len() int { return len(c.Entries) }

// Names returns entry names in catalog order.
func (c Catalog) Names() []string {
	out := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		out[i] = e.Name
	}
	return out
}

// Builtin returns the catalog compiled into the binary, ordered by name.
func Builtin() Catalog {
	c, err := FromFS(embedded, "posts/*.mdx")
	if err != nil {
		panic(xerrors.Wrap(err, "content: builtin catalog"))
	}
	return c
}

// FromFS builds a catalog from the files in fsys matching pattern
// (fs.Glob syntax). Entry names are the base names of the matches, ordered
// lexically. Directories matching the pattern are skipped.
func FromFS(fsys fs.FS, pattern string) (Catalog, error) {
	matches, err := fs.Glob(fsys, pattern)
	if err != nil {
		return Catalog{}, xerrors.Wrapf(err, "glob %q", pattern)
	}
	sort.Strings(matches)

	var c Catalog
	for _, p := range matches {
		info, err := fs.Stat(fsys, p)
		if err != nil {
			return Catalog{}, xerrors.Wrapf(err, "stat %s", p)
		}
		if info.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return Catalog{}, xerrors.Wrapf(err, "read %s", p)
		}
		c.Entries = append(c.Entries, Entry{Name: info.Name(), Content: string(data)})
	}
	if len(c.Entries) == 0 {
		return Catalog{}, xerrors.Newf("no files match %q", pattern)
	}
	return c, nil
}
