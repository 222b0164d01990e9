// Package history keeps a bank-scoped undo/redo log of per-record edits.
package history

import (
	"sync"

	"github.com/sells-group/qbank/internal/model"
)

// Log is an append-only sequence of edits with a movable cursor. The cursor
// points at the last applied edit; -1 means nothing is applied.
//
// Each entry holds only the touched record's before/after value, so memory
// grows with edit count times record size rather than bank size.
type Log struct {
	mu         sync.Mutex
	entries    []model.Edit
	index      int
	maxEntries int
}

// New creates an empty log. maxEntries <= 0 means unbounded.
func New(maxEntries int) *Log {
	return &Log{index: -1, maxEntries: maxEntries}
}

// Record cuts every edit after the cursor, appends edit and advances the
// cursor onto it.
func (l *Log) Record(edit model.Edit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries[:l.index+1], edit)
	l.index++

	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		drop := len(l.entries) - l.maxEntries
		// Copy so the dropped prefix can be collected.
		l.entries = append([]model.Edit(nil), l.entries[drop:]...)
		l.index -= drop
	}
}

// Undo returns the edit at the cursor and moves the cursor back. The caller
// applies the edit's Prev* values. ok is false when nothing can be undone.
func (l *Log) Undo() (edit model.Edit, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.index < 0 {
		return model.Edit{}, false
	}
	edit = l.entries[l.index]
	l.index--
	return edit, true
}

// Redo moves the cursor forward and returns the edit now under it. The
// caller applies the edit's Next* values.
func (l *Log) Redo() (edit model.Edit, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.index >= len(l.entries)-1 {
		return model.Edit{}, false
	}
	l.index++
	return l.entries[l.index], true
}

// Index returns the cursor position.
func (l *Log) Index() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

// Len returns the number of stored edits.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) CanUndo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index >= 0
}

func (l *Log) CanRedo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index < len(l.entries)-1
}

// Reset discards all history.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.index = -1
}
