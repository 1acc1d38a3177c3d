package emitter

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// LineReporter prints one confirmation line per written file:
//
//	Wrote a.mdx: 5 bytes, 1 lines
type LineReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w}
}

func (r *LineReporter) Report(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintf(r.w, "Wrote %s: %d bytes, %d lines\n", res.Name, res.Bytes, res.Lines)
	return err
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Result) error

func (f ReporterFunc) Report(ctx context.Context, r Result) error { return f(ctx, r) }
