package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cbt-backup/src/chain"
)

func newListCmd(stdout, stderr io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list [VM_ID]",
		Short: "List backups in the target store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, false)
			if err != nil {
				return err
			}
			var recs []chain.Record
			if len(args) == 1 {
				recs, err = store.List(args[0])
			} else {
				recs, err = store.ListAll()
			}
			if err != nil {
				return err
			}
			switch output {
			case "json":
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			case "table", "":
				return renderTable(stdout, recs)
			default:
				return fmt.Errorf("unsupported --output: %s", output)
			}
		},
	}
	cmd.Flags().String("target", "", "Backup store URI (e.g., dir:/path)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json")
	return cmd
}

func renderTable(w io.Writer, recs []chain.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VM\tBACKUP\tPARENT\tSIZE\tTYPE\tCREATED")
	for _, r := range recs {
		kind := "full"
		if r.Incremental {
			kind = "incremental"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.VMID, r.ID, r.ParentID, r.SizeBytes, kind, r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
