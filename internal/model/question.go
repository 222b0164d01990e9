package model

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Question is one content item of a question bank. The same schema is used
// for the original and the enhanced variant of a record.
type Question struct {
	QuestionType      string   `json:"question_type,omitempty"`
	Subject           string   `json:"subject,omitempty"`
	QuestionText      string   `json:"question_text,omitempty"`
	QuestionHTML      string   `json:"question_html,omitempty"`
	QuestionImages    []Image  `json:"question_images,omitempty"`
	Options           []Option `json:"options,omitempty"`
	ExplanationText   string   `json:"explanation_text,omitempty"`
	ExplanationHTML   string   `json:"explanation_html,omitempty"`
	ExplanationImages []Image  `json:"explanation_images,omitempty"`

	// Extra holds keys outside the fixed schema so they survive a round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// Option is a single answer choice.
type Option struct {
	Label     string `json:"label"`
	Text      string `json:"text,omitempty"`
	TextHTML  string `json:"text_html,omitempty"`
	IsCorrect bool   `json:"is_correct"`
}

// Image references an image hosted elsewhere.
type Image struct {
	OriginalURL string `json:"original_url"`
}

var knownQuestionKeys = []string{
	"question_type", "subject", "question_text", "question_html",
	"question_images", "options", "explanation_text", "explanation_html",
	"explanation_images",
}

// UnmarshalJSON decodes the fixed schema and keeps every other key in Extra.
func (q *Question) UnmarshalJSON(data []byte) error {
	type plain Question
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return eris.Wrap(err, "model: decode question")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode question keys")
	}
	for _, k := range knownQuestionKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}

	*q = Question(p)
	return nil
}

// MarshalJSON encodes the fixed schema merged with Extra. Schema fields win
// over Extra keys of the same name.
func (q Question) MarshalJSON() ([]byte, error) {
	type plain Question
	base, err := json.Marshal(plain(q))
	if err != nil {
		return nil, eris.Wrap(err, "model: encode question")
	}
	if len(q.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(q.Extra)+len(knownQuestionKeys))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, eris.Wrap(err, "model: merge question keys")
	}
	for k, v := range q.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy so later mutation of the receiver cannot leak
// into the copy.
func (q Question) Clone() Question {
	c := q
	if q.QuestionImages != nil {
		c.QuestionImages = append([]Image(nil), q.QuestionImages...)
	}
	if q.ExplanationImages != nil {
		c.ExplanationImages = append([]Image(nil), q.ExplanationImages...)
	}
	if q.Options != nil {
		c.Options = append([]Option(nil), q.Options...)
	}
	if q.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(q.Extra))
		for k, v := range q.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// Equal reports whether two questions encode to the same JSON.
func (q Question) Equal(other Question) bool {
	a, errA := json.Marshal(q)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// CorrectLabel returns the label of the first correct option, or "N/A".
func (q Question) CorrectLabel() string {
	for _, o := range q.Options {
		if o.IsCorrect && o.Label != "" {
			return o.Label
		}
	}
	return "N/A"
}
