package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/session"
)

var uploadName string

var uploadCmd = &cobra.Command{
	Use:   "upload <file.json>",
	Short: "Validate a question file and store it as a new bank",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read upload file")
		}
		name := uploadName
		if name == "" {
			name = filepath.Base(args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ctrl := session.NewController(st, cfg.OwnerID, sessionOptions())
		defer ctrl.Close(ctx) //nolint:errcheck

		sess, err := ctrl.Upload(ctx, name, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %q: %d records (bank %s)\n", sess.Name(), sess.Len(), sess.ID())
		return nil
	},
}

var banksCmd = &cobra.Command{
	Use:   "banks",
	Short: "List your question banks, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		banks, err := st.ListBanks(ctx, cfg.OwnerID)
		if err != nil {
			return eris.Wrap(err, "banks list")
		}
		if len(banks) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No banks found.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatBanks(banks))
		return nil
	},
}

func formatBanks(banks []model.BankSummary) string {
	rows := make([][]string, 0, len(banks))
	for _, b := range banks {
		rows = append(rows, []string{
			b.ID,
			b.Name,
			strconv.Itoa(b.RecordCount),
			fmt.Sprintf("%d/%d", b.Approved, b.RecordCount),
			b.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Records", "Approved", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

var deleteCmd = &cobra.Command{
	Use:   "delete <bank-id>",
	Short: "Delete a bank and all of its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ctrl := session.NewController(st, cfg.OwnerID, sessionOptions())
		if err := ctrl.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted bank %s\n", args[0])
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the bank and record tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// initStore migrates on open.
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s store\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadName, "name", "", "bank name (default: file name)")
	rootCmd.AddCommand(uploadCmd, banksCmd, deleteCmd, migrateCmd)
}
