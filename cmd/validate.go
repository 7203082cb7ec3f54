package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"

	"github.com/andresmejia3/faceguard/internal/types"
	"github.com/andresmejia3/faceguard/internal/validator"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var validateOpts Options

var validateCmd = &cobra.Command{
	Use:   "validate <image>...",
	Short: "Validate images and register the accepted ones",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
		reg, pool := newRegistrar(validateOpts)
		defer pool.Close()

		engines := Cfg.Worker.Engines
		if validateOpts.NumEngines > 0 {
			engines = validateOpts.NumEngines
		}

		results := runValidate(cmd.Context(), reg, args, engines, validateOpts.DryRun)
		failed := printResults(os.Stdout, results)
		if failed > 0 {
			return fmt.Errorf("%d of %d images could not be processed", failed, len(results))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().IntVarP(&validateOpts.NumEngines, "engines", "e", 0, "Number of parallel face workers (default from config)")
	validateCmd.Flags().Float64VarP(&validateOpts.Threshold, "threshold", "t", 0, "Duplicate distance threshold (default from config)")
	validateCmd.Flags().Float64VarP(&validateOpts.MinConfidence, "detection-threshold", "D", 0, "Face detection confidence threshold (default from config)")
	validateCmd.Flags().BoolVar(&validateOpts.DryRun, "dry-run", false, "Validate against the stored faces without registering anything")
	rootCmd.AddCommand(validateCmd)
}

// imageRegistrar is the part of validator.Registrar the CLI uses.
type imageRegistrar interface {
	Register(ctx context.Context, filename string, data []byte) (validator.Decision, *types.Record, error)
	Check(ctx context.Context, data []byte) (validator.Decision, error)
}

type fileResult struct {
	Path     string
	Decision validator.Decision
	Record   *types.Record
	Err      error
}

type fileTask struct {
	index int
	path  string
}

// runValidate fans the files out over numWorkers goroutines. Results keep
// the argument order.
func runValidate(ctx context.Context, reg imageRegistrar, paths []string, numWorkers int, dryRun bool) []fileResult {
	if numWorkers < 1 {
		numWorkers = 1
	}
	results := make([]fileResult, len(paths))

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("🔍 Validating"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan fileTask, numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				results[task.index] = validateFile(ctx, reg, task.path, dryRun)
				bar.Add(1)
			}
		}()
	}

	for i, p := range paths {
		if ctx.Err() != nil {
			results[i] = fileResult{Path: p, Err: ctx.Err()}
			continue
		}
		taskChan <- fileTask{index: i, path: p}
	}
	close(taskChan)
	wg.Wait()
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	return results
}

func validateFile(ctx context.Context, reg imageRegistrar, path string, dryRun bool) fileResult {
	res := fileResult{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	if dryRun {
		res.Decision, res.Err = reg.Check(ctx, data)
		return res
	}
	res.Decision, res.Record, res.Err = reg.Register(ctx, filepath.Base(path), data)
	return res
}

// printResults writes one row per file and returns how many hit an error.
func printResults(out io.Writer, results []fileResult) int {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FILE\tRESULT\tRECORD\tMESSAGE")
	fmt.Fprintln(w, "----\t------\t------\t-------")

	failed := 0
	for _, r := range results {
		status, record, msg := "✅ accepted", "-", r.Decision.Message
		switch {
		case r.Err != nil:
			failed++
			status, msg = "🚨 error", r.Err.Error()
		case !r.Decision.Accepted:
			status = "❌ " + r.Decision.Reason.String()
		}
		if r.Record != nil {
			record = r.Record.ID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", filepath.Base(r.Path), status, record, msg)
	}
	w.Flush()
	return failed
}

// checkImage runs a read-only validation of one file for find.
func checkImage(ctx context.Context, reg imageRegistrar, path string) (validator.Decision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return validator.Decision{}, fmt.Errorf("read image: %w", err)
	}
	return reg.Check(ctx, data)
}
