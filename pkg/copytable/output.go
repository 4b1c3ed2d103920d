package copytable

import (
	"fmt"
	"io"
	"sync"
)

// Output serialises the machine-readable stdout markers. The callers of this
// tool scrape stdout line by line, so every marker is written whole under
// one lock.
type Output struct {
	mu sync.Mutex
	w  io.Writer
}

func NewOutput(w io.Writer) *Output {
	return &Output{w: w}
}

func (o *Output) RowCount(schema, table string, n uint64) {
	o.printf("ROW_COUNT:%s:%s: %d\n", schema, table, n)
}

func (o *Output) Progress(schema, table string, done, total uint64) {
	o.printf("PROGRESS:%s:%s: %d/%d\n", schema, table, done, total)
}

func (o *Output) Finished() {
	o.printf("FINISHED\n")
}

func (o *Output) printf(format string, args ...interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
	if f, ok := o.w.(interface{ Sync() error }); ok {
		f.Sync()
	}
}
