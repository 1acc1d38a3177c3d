// Package emitter writes a catalog of documents to files under a base
// directory.
//
// Entries are written in catalog order, one file per entry, each reported
// through a Reporter once it is on disk. The first failure stops the run;
// files already written stay written and no later entry is attempted.
//
// The base directory must already exist. Emit never creates directories.
package emitter
