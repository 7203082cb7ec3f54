package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/faceguard/internal/store"
	"github.com/andresmejia3/faceguard/internal/utils"
	"github.com/andresmejia3/faceguard/internal/validator"
	"github.com/spf13/cobra"
)

var findOpts Options

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Check whether the person in an image is already registered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
		reg, pool := newRegistrar(findOpts)
		defer pool.Close()

		return runFind(cmd.Context(), reg, DB, args[0], os.Stdout)
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.Threshold, "threshold", "t", 0, "Face matching threshold (default from config)")
	findCmd.Flags().Float64VarP(&findOpts.MinConfidence, "detection-threshold", "D", 0, "Face detection confidence threshold (default from config)")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, reg imageRegistrar, records store.Store, imagePath string, out io.Writer) error {
	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	d, err := checkImage(ctx, reg, imagePath)
	if err != nil {
		utils.ShowError("Validation failed", err, nil)
		return err
	}

	switch {
	case d.Accepted:
		fmt.Fprintln(out, "❌ No match found in database.")
		return nil
	case d.Reason != validator.ReasonDuplicate:
		fmt.Fprintf(out, "⚠️  %s\n", d.Message)
		return nil
	}

	rec, err := records.Get(ctx, d.Duplicate.RecordID)
	if err != nil {
		utils.ShowError("Failed to load matching record", err, nil)
		return err
	}

	fmt.Fprintf(out, "✅ Found Match: %s (distance %.3f)\n", rec.ID, d.Duplicate.Distance)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nIMAGE\tUPLOADED")
	fmt.Fprintln(w, "-----\t--------")
	fmt.Fprintf(w, "%s\t%s\n", rec.Image, rec.UploadedAt.Local().Format("2006-01-02 15:04"))
	w.Flush()
	return nil
}
