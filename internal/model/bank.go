package model

import (
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Record is one question with its immutable original and mutable enhanced
// variant.
type Record struct {
	Original Question `json:"original"`
	Enhanced Question `json:"enhanced"`
}

// NewRecord builds a record whose enhanced variant starts as a deep copy of
// the original.
func NewRecord(original Question) Record {
	return Record{Original: original.Clone(), Enhanced: original.Clone()}
}

// RecordRef locates a persisted record. RowID is empty for records that
// only exist locally.
type RecordRef struct {
	BankID string `json:"bank_id"`
	Index  int    `json:"index"`
	RowID  string `json:"row_id,omitempty"`
}

// Bank is a named ordered collection of records owned by a user.
type Bank struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Name      string         `json:"name"`
	Records   []Record       `json:"records"`
	Statuses  []Status       `json:"statuses"`
	RowIDs    map[int]string `json:"row_ids,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BankSummary is the listing view of a bank.
type BankSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RecordCount int       `json:"record_count"`
	Approved    int       `json:"approved"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PendingStatuses returns n pending statuses.
func PendingStatuses(n int) []Status {
	out := make([]Status, n)
	for i := range out {
		out[i] = StatusPending
	}
	return out
}

// Stats counts records per workflow bucket.
type Stats struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Enhanced int `json:"enhanced"`
	Pending  int `json:"pending"`
	Errored  int `json:"errored"`
}

// ComputeStats tallies statuses. Enhanced counts both single and batch
// enhancements.
func ComputeStats(statuses []Status) Stats {
	s := Stats{Total: len(statuses)}
	for _, st := range statuses {
		switch {
		case st == StatusApproved:
			s.Approved++
		case st.IsEnhanced():
			s.Enhanced++
		case st == StatusPending:
			s.Pending++
		case st == StatusError:
			s.Errored++
		}
	}
	return s
}

// Subjects returns the sorted distinct non-empty subjects of the originals.
func Subjects(records []Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if r.Original.Subject == "" || seen[r.Original.Subject] {
			continue
		}
		seen[r.Original.Subject] = true
		out = append(out, r.Original.Subject)
	}
	// Collators are not safe for concurrent use.
	collate.New(language.English, collate.IgnoreCase).SortStrings(out)
	return out
}

// FilterBySubject returns indices whose original subject matches. An empty
// subject matches everything.
func FilterBySubject(records []Record, subject string) []int {
	out := make([]int, 0, len(records))
	for i, r := range records {
		if subject == "" || r.Original.Subject == subject {
			out = append(out, i)
		}
	}
	return out
}
