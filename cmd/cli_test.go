package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliQuestions = `[
	{"subject": "Physics", "question_text": "What is g?", "options": [{"label": "A", "is_correct": true}]},
	{"subject": "Chemistry", "question_text": "Name a noble gas"},
	{"subject": "Physics", "question_text": "Define work", "explanation_html": "<p>Force times distance.</p>"}
]`

var bankIDPattern = regexp.MustCompile(`\(bank ([0-9a-f-]+)\)`)

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// setupCLI points the CLI at a fresh SQLite file and a fake Anthropic API.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_cli",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"content": []map[string]any{{
				"type": "text",
				"text": "```html\n<div class=\"mtq_explanation-text space-y-3\"><p>Improved.</p></div>\n```",
			}},
			"usage": map[string]any{"input_tokens": 12, "output_tokens": 8},
		})
	}))
	t.Cleanup(ts.Close)

	t.Setenv("QBANK_STORE_DRIVER", "sqlite")
	t.Setenv("QBANK_STORE_DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("QBANK_LOG_LEVEL", "error")
	t.Setenv("QBANK_ANTHROPIC_KEY", "sk-ant-test")
	t.Setenv("QBANK_ANTHROPIC_BASE_URL", ts.URL)
	t.Setenv("QBANK_WRITEBACK_RETRY_MAX_ATTEMPTS", "1")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "physics.json"), []byte(cliQuestions), 0o600))
	return dir
}

func TestCLI_EndToEnd(t *testing.T) {
	dir := setupCLI(t)

	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated sqlite store")

	out, err = runCLI(t, "upload", filepath.Join(dir, "physics.json"))
	require.NoError(t, err)
	assert.Contains(t, out, `Uploaded "physics.json": 3 records`)
	m := bankIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2)
	bankID := m[1]

	out, err = runCLI(t, "banks")
	require.NoError(t, err)
	assert.Contains(t, out, bankID)
	assert.Contains(t, out, "0/3")

	// approve on pending is rejected, approve --original is not
	_, err = runCLI(t, "approve", bankID, "--index", "0")
	require.Error(t, err)
	out, err = runCLI(t, "approve", bankID, "--index", "0", "--original")
	require.NoError(t, err)
	assert.Contains(t, out, "Record 1 approved with its original explanation")

	out, err = runCLI(t, "enhance", bankID, "--start", "0", "--count", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Enhanced 2 of 2 records")
	assert.Contains(t, out, "estimated cost: $")

	out, err = runCLI(t, "enhance", bankID, "--count", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to enhance in range.")

	out, err = runCLI(t, "enhance", bankID, "--index", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Record 2 enhanced (rephrase prompt)")

	out, err = runCLI(t, "approve", bankID, "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Approved 2 records")

	out, err = runCLI(t, "stats", bankID)
	require.NoError(t, err)
	assert.Contains(t, out, "Chemistry")
	assert.Contains(t, out, "All")

	jsonPath := filepath.Join(dir, "out.json")
	out, err = runCLI(t, "export", bankID, "-o", jsonPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 3 records")

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 3)
	assert.Nil(t, exported[0]["explanation_html"], "original kept for record 1")
	assert.Contains(t, exported[1]["explanation_html"], "Improved.")
	assert.Equal(t, "Improved.", exported[2]["explanation_text"])

	xlsxPath := filepath.Join(dir, "out.xlsx")
	_, err = runCLI(t, "export", bankID, "--out", xlsxPath)
	require.NoError(t, err)
	info, err := os.Stat(xlsxPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	out, err = runCLI(t, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "Banks: 1")

	out, err = runCLI(t, "delete", bankID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted bank "+bankID)

	out, err = runCLI(t, "banks")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCLI_ApproveFlagValidation(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "approve", "any-bank")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --index or --all")

	_, err = runCLI(t, "approve", "any-bank", "--all", "--original")
	require.Error(t, err)
}

func TestCLI_UploadInvalidFile(t *testing.T) {
	dir := setupCLI(t)
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"not":"an array"}`), 0o600))

	_, err := runCLI(t, "upload", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")
}

func TestCLI_ExportUnsupportedExtension(t *testing.T) {
	setupCLI(t)
	_, err := runCLI(t, "export", "any-bank", "-o", "out.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file extension")
}

func TestCLI_LoadMissingBank(t *testing.T) {
	setupCLI(t)
	_, err := runCLI(t, "stats", "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load failed")
}
