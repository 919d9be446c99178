// Package state provides the execution journal that makes an instruction's
// effects atomic: every mutation performed during dispatch registers an undo
// entry, and a failed step reverts all of them in one pass.
package state

import "context"

// Journal records undo closures in execution order. It is created per
// Execute call and is not safe for concurrent use; the processor's
// one-call-at-a-time rule makes that a non-issue.
type Journal struct {
	undos []func()
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Record appends an undo closure for a mutation that just happened.
func (j *Journal) Record(undo func()) {
	j.undos = append(j.undos, undo)
}

// Snapshot returns a marker for the current journal position.
func (j *Journal) Snapshot() int {
	return len(j.undos)
}

// Revert undoes every mutation recorded after the snapshot marker, newest
// first, and truncates the journal back to it.
func (j *Journal) Revert(to int) {
	if to < 0 {
		to = 0
	}
	for i := len(j.undos) - 1; i >= to; i-- {
		j.undos[i]()
	}
	j.undos = j.undos[:to]
}

// Len returns the number of recorded mutations.
func (j *Journal) Len() int {
	return len(j.undos)
}

// Commit discards all undo entries; the mutations become permanent.
func (j *Journal) Commit() {
	j.undos = j.undos[:0]
}

type journalKey struct{}

// WithJournal attaches an execution journal to the context. Stores consult
// it so their mutations become revertible for the duration of a dispatch.
func WithJournal(ctx context.Context, j *Journal) context.Context {
	return context.WithValue(ctx, journalKey{}, j)
}

// FromContext returns the journal attached to ctx, or nil when the mutation
// is happening outside an instruction execution (then it commits directly).
func FromContext(ctx context.Context) *Journal {
	j, _ := ctx.Value(journalKey{}).(*Journal)
	return j
}

// Track records the undo on the context's journal, if one is attached.
func Track(ctx context.Context, undo func()) {
	if j := FromContext(ctx); j != nil {
		j.Record(undo)
	}
}
