package model

// Edit is one before/after mutation of a single record's enhanced variant
// and status. Both sides are deep copies taken when the edit is built.
type Edit struct {
	RecordIndex  int
	PrevEnhanced Question
	PrevStatus   Status
	NextEnhanced Question
	NextStatus   Status
}

// NewEdit copies prev and next so the edit is unaffected by later mutation
// of the live record.
func NewEdit(index int, prev Question, prevStatus Status, next Question, nextStatus Status) Edit {
	return Edit{
		RecordIndex:  index,
		PrevEnhanced: prev.Clone(),
		PrevStatus:   prevStatus,
		NextEnhanced: next.Clone(),
		NextStatus:   nextStatus,
	}
}
