package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/faceguard/internal/store"
	"github.com/andresmejia3/faceguard/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered images",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runList(cmd.Context(), DB, os.Stdout); err != nil {
			utils.Die("Failed to list images", err, nil)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, db store.Store, out io.Writer) error {
	records, err := db.List(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No images found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tIMAGE\tUPLOADED\tMESSAGE")
	fmt.Fprintln(w, "--\t-----\t--------\t-------")

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Image, r.UploadedAt.Local().Format("2006-01-02 15:04"), r.ValidationMessage)
	}
	return w.Flush()
}
