package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/qbank/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"upload", "banks", "delete", "enhance", "approve", "export", "stats", "migrate", "ping", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "qbank", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestEnhanceCommand_Flags(t *testing.T) {
	for _, name := range []string{"index", "start", "count"} {
		assert.NotNil(t, enhanceCmd.Flags().Lookup(name), "enhance should have --%s flag", name)
	}
}

func TestApproveCommand_Flags(t *testing.T) {
	for _, name := range []string{"index", "all", "original"} {
		assert.NotNil(t, approveCmd.Flags().Lookup(name), "approve should have --%s flag", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	flag := exportCmd.Flags().Lookup("out")
	require.NotNil(t, flag)
	assert.Equal(t, "o", flag.Shorthand)
}

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"Name", "Count"},
		[][]string{{"alpha", "1"}, {"beta"}},
		[]columnAlignment{alignLeft, alignRight},
	)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "beta")
	assert.Equal(t, "", renderTable(nil, nil, nil))
}

func TestFormatBanks(t *testing.T) {
	out := formatBanks([]model.BankSummary{{
		ID: "b1", Name: "Physics", RecordCount: 12, Approved: 3,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	}})
	assert.Contains(t, out, "Physics")
	assert.Contains(t, out, "3/12")
	assert.Equal(t, 1, strings.Count(out, "b1"))
}

func TestStatsRow(t *testing.T) {
	row := statsRow("Physics", model.Stats{Total: 5, Approved: 1, Enhanced: 2, Pending: 1, Errored: 1})
	assert.Equal(t, []string{"Physics", "5", "1", "2", "1", "1"}, row)
}
