package content

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// maxCatalogFile caps how much of a catalog file is read
const maxCatalogFile int64 = 64 * 1024 * 1024 // 64MB

// LoadFile reads a YAML catalog:
//
//	entries:
//	  - name: a.mdx
//	    content: |
//	      ---
//	      title: "A"
//	      ---
//	      body
//
// Entry order is file order. Unknown keys are rejected so a typo does not
// silently drop content.
func LoadFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, xerrors.Wrap(err, "open catalog")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxCatalogFile+1))
	if err != nil {
		return Catalog{}, xerrors.Wrapf(err, "read catalog %s", path)
	}
	if int64(len(data)) > maxCatalogFile {
		return Catalog{}, xerrors.Newf("catalog %s exceeds max size (%d bytes)", path, maxCatalogFile)
	}

	c, err := ParseYAML(data)
	if err != nil {
		return Catalog{}, xerrors.Wrapf(err, "parse catalog %s", path)
	}
	return c, nil
}

// ParseYAML decodes a catalog document.
func ParseYAML(data []byte) (Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return Catalog{}, xerrors.New("catalog is empty")
		}
		return Catalog{}, err
	}
	return c, nil
}
