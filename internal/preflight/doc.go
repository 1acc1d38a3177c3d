// Package preflight runs checks before a run touches anything.
//
// A [Check] returns nil when it passes. Checks compose with [All], which
// runs every check and joins the failures, and [First], which stops at the
// first failure. [CheckFunc] adapts a plain function.
//
// The concrete checks cover what a content run depends on: a writable base
// directory, a valid catalog, and, for fail-if-exists runs, targets that are
// not already there.
package preflight
