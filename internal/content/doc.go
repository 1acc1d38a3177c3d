// Package content holds the catalogs of documents mdxemit writes.
//
// A [Catalog] is an ordered list of [Entry] values, each a filename and the
// literal document text (front matter included, never parsed here).
//
// Catalogs come from:
//   - [Builtin]: documents compiled into the binary from posts/
//   - [LoadFile]: a YAML catalog file supplied at run time
//   - [FromFS]: any fs.FS, used by Builtin and in tests
//
// [Bundle] packs a catalog into a deterministic tar.gz addressed by its
// SHA-256, the format the site's content loader consumes. [ReadBundle]
// extracts one in memory with the same size and path limits.
package content
