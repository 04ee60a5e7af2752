package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/orchestrator"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract a planogram from one shelf photograph",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		image, _ := cmd.Flags().GetString("image")
		validated, _ := cmd.Flags().GetBool("validated")
		output, _ := cmd.Flags().GetString("output")
		jobCfg := jobConfigFromFlags(cmd, cfg.Job)

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		photo, err := env.Photos.Load(ctx, image)
		if err != nil {
			return err
		}

		res, err := env.Orchestrator.Run(ctx, orchestrator.JobRequest{
			ImagePath: image,
			Photo:     photo,
			Config:    jobCfg,
			Validated: validated,
		})
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		for modelID, state := range env.Caller.Breakers().States() {
			zap.L().Debug("circuit breaker state", zap.String("model", modelID), zap.String("state", state.String()))
		}

		formatJobSummary(os.Stdout, res)
		if output != "" {
			if err := writeResult(output, res); err != nil {
				return err
			}
		}
		if res.Job.Status == model.JobStatusFailed {
			return eris.Errorf("extract: job failed: %s", res.Reason)
		}
		return nil
	},
}

// jobConfigFromFlags overlays any limits given on the command line.
func jobConfigFromFlags(cmd *cobra.Command, def model.JobConfig) model.JobConfig {
	jc := def
	if cmd.Flags().Changed("target") {
		jc.TargetAccuracy, _ = cmd.Flags().GetFloat64("target")
	}
	if cmd.Flags().Changed("max-iterations") {
		jc.MaxIterations, _ = cmd.Flags().GetInt("max-iterations")
	}
	if cmd.Flags().Changed("budget") {
		jc.BudgetCap, _ = cmd.Flags().GetFloat64("budget")
	}
	return jc
}

type resultFile struct {
	Job        model.Job         `json:"job"`
	Reason     string            `json:"reason"`
	MetTarget  bool              `json:"met_target"`
	Extraction *model.Extraction `json:"extraction,omitempty"`
	Grid       *model.Grid       `json:"grid,omitempty"`
}

func writeResult(path string, res *orchestrator.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "extract: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(resultFile{
		Job:        res.Job,
		Reason:     res.Reason,
		MetTarget:  res.MetTarget,
		Extraction: res.Final,
		Grid:       res.Grid,
	})
	return eris.Wrapf(err, "extract: write %s", path)
}

// formatJobSummary writes the outcome and per-iteration accuracy to w.
func formatJobSummary(out io.Writer, res *orchestrator.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", res.Job.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Job.Status)
	_, _ = fmt.Fprintf(w, "Reason:\t%s\n", res.Reason)
	_, _ = fmt.Fprintf(w, "Iterations:\t%d\n", res.Job.Iterations)
	_, _ = fmt.Fprintf(w, "Accuracy:\t%.3f\n", res.Job.Accuracy)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", res.Job.CumulativeCost)
	if res.Final != nil {
		_, _ = fmt.Fprintf(w, "Shelves:\t%d\n", res.Final.Structure.ShelfCount)
		_, _ = fmt.Fprintf(w, "Products:\t%d\n", len(res.Final.Products))
	}
	_ = w.Flush()

	if len(res.Iterations) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITER\tACCURACY\tCOST\tLOCKED\tFOCUS\tBEST")
	for _, it := range res.Iterations {
		best := ""
		if it.Number == res.Best {
			best = "*"
		}
		_, _ = fmt.Fprintf(w, "%d\t%.3f\t$%.4f\t%d\t%d\t%s\n",
			it.Number, it.Accuracy, it.Cost, len(it.Locked), len(it.FocusAreas), best)
	}
	_ = w.Flush()
}

func init() {
	extractCmd.Flags().String("image", "", "path to the shelf photograph (required)")
	extractCmd.Flags().Float64("target", 0, "target accuracy in (0,1] (default from config)")
	extractCmd.Flags().Int("max-iterations", 0, "maximum refinement iterations (default from config)")
	extractCmd.Flags().Float64("budget", 0, "budget cap in USD, 0 for unlimited (default from config)")
	extractCmd.Flags().Bool("validated", false, "an independent validation signal is available; lifts the accuracy ceiling")
	extractCmd.Flags().String("output", "", "write the final extraction and grid as JSON to this file")
	_ = extractCmd.MarkFlagRequired("image")

	rootCmd.AddCommand(extractCmd)
}
