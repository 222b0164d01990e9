package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/qbank/internal/export"
	"github.com/sells-group/qbank/internal/model"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <bank-id>",
	Short: "Write the enhanced questions to JSON or XLSX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := exportOut
		if path == "" {
			path = export.DefaultJSONName
		}
		format, err := export.FormatFor(path)
		if err != nil {
			return err
		}

		sess, cleanup, err := openBank(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		f, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "export: create file")
		}

		switch format {
		case export.FormatXLSX:
			err = export.WriteXLSX(f, sess.Records(), sess.Statuses())
		default:
			err = export.WriteJSON(f, sess.Enhanced())
		}
		if cerr := f.Close(); err == nil && cerr != nil {
			err = eris.Wrap(cerr, "export: close file")
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", sess.Len(), path)
		return nil
	},
}

var statsSubject string

var statsCmd = &cobra.Command{
	Use:   "stats <bank-id>",
	Short: "Show review progress per subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openBank(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		statuses := sess.Statuses()
		subjects := sess.Subjects()
		if statsSubject != "" {
			subjects = []string{statsSubject}
		}

		var rows [][]string
		for _, subj := range subjects {
			var sub []model.Status
			for _, idx := range sess.Filter(subj) {
				sub = append(sub, statuses[idx])
			}
			rows = append(rows, statsRow(subj, model.ComputeStats(sub)))
		}
		if statsSubject == "" {
			rows = append(rows, statsRow("All", sess.Stats()))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", sess.Name(), renderTable(
			[]string{"Subject", "Total", "Approved", "Enhanced", "Pending", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

func statsRow(subject string, s model.Stats) []string {
	return []string{
		subject,
		strconv.Itoa(s.Total),
		strconv.Itoa(s.Approved),
		strconv.Itoa(s.Enhanced),
		strconv.Itoa(s.Pending),
		strconv.Itoa(s.Errored),
	}
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file, .json or .xlsx (default "+export.DefaultJSONName+")")
	statsCmd.Flags().StringVar(&statsSubject, "subject", "", "limit to one subject")
	rootCmd.AddCommand(exportCmd, statsCmd)
}
