// Package export writes the enhanced variant of a bank to JSON or XLSX.
package export

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/qbank/internal/enhance"
	"github.com/sells-group/qbank/internal/model"
)

// DefaultJSONName is the file name used when no output path is given.
const DefaultJSONName = "enhanced_questions.json"

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "Questions"

// Header is the XLSX header row.
var Header = []string{"Index", "Subject", "Status", "Question", "Correct Answer", "Explanation"}

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// FormatFor picks the format from a file extension. Unknown extensions
// are an error.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("export: unsupported file extension %q", filepath.Ext(path))
	}
}

// WriteJSON writes the enhanced questions as an indented JSON array.
// Unknown keys carried on each question are preserved.
func WriteJSON(w io.Writer, questions []model.Question) error {
	if questions == nil {
		questions = []model.Question{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(questions); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

// Rows flattens records into one row per record, without the header.
func Rows(records []model.Record, statuses []model.Status) [][]string {
	rows := make([][]string, 0, len(records))
	for i, rec := range records {
		q := rec.Enhanced
		question := q.QuestionText
		if question == "" {
			question = enhance.CleanHTML(q.QuestionHTML)
		}
		explanation := q.ExplanationText
		if explanation == "" {
			explanation = enhance.CleanHTML(q.ExplanationHTML)
		}
		var status model.Status
		if i < len(statuses) {
			status = statuses[i]
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			q.Subject,
			string(status),
			question,
			q.CorrectLabel(),
			explanation,
		})
	}
	return rows
}

// WriteXLSX writes a single-sheet workbook with a header row followed by
// Rows.
func WriteXLSX(w io.Writer, records []model.Record, statuses []model.Status) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	addRow(sheet, Header)
	for _, r := range Rows(records, statuses) {
		addRow(sheet, r)
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write file")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, v := range cells {
		row.AddCell().SetString(v)
	}
}
