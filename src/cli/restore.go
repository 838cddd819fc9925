package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"cbt-backup/src/backup"
)

func newRestoreCmd(stdout, stderr io.Writer) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "restore VM_ID BACKUP_ID",
		Short: "Restore a backup to a raw disk image file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, backupID := args[0], args[1]
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			store, err := openStore(cmd, false)
			if err != nil {
				return err
			}
			opts := getSafetyOptions(cmd)
			if _, err := os.Stat(outPath); err == nil && !opts.Force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
			}
			if opts.DryRun {
				fmt.Fprintf(stdout, "Would restore %s/%s to %s\n", vmID, backupID, outPath)
				return nil
			}
			if err := backup.RunRestoreToFile(store, vmID, backupID, outPath, stdout); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Restored %s/%s to %s\n", vmID, backupID, outPath)
			return nil
		},
	}
	cmd.Flags().String("target", "", "Backup store URI (e.g., dir:/path)")
	cmd.Flags().StringVar(&outPath, "out", "", "Path of the raw image file to write")
	return cmd
}
