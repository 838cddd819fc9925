package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"cbt-backup/src/safety"
)

func newDeleteCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete VM_ID BACKUP_ID",
		Short: "Delete a backup from the target store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, backupID := args[0], args[1]
			store, err := openStore(cmd, false)
			if err != nil {
				return err
			}
			opts := getSafetyOptions(cmd)
			if opts.DryRun {
				fmt.Fprintf(stdout, "Would delete backup %s/%s\n", vmID, backupID)
				return nil
			}
			ok, err := safety.Confirm(opts, os.Stdin, stdout,
				fmt.Sprintf("Delete backup %s/%s?", vmID, backupID))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(stdout, "Aborted.")
				return nil
			}
			if err := store.Delete(vmID, backupID, opts.Force); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Deleted backup %s/%s\n", vmID, backupID)
			return nil
		},
	}
	cmd.Flags().String("target", "", "Backup store URI (e.g., dir:/path)")
	return cmd
}
