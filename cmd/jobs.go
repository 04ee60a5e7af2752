package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/monitoring"
	"github.com/sells-group/planogram-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect extraction job history",
	Long:  "Commands for listing jobs and viewing their iteration history.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its iterations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		iterations, err := st.ListIterations(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Job        *model.Job              `json:"job"`
				Iterations []model.IterationRecord `json:"iterations"`
			}{job, iterations})
		}
		formatJobDetail(os.Stdout, job, iterations)
		return nil
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent job health and evaluate alert thresholds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("lookback")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}
		formatStats(os.Stdout, snap, monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap))
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (running, succeeded, max_iterations_reached, budget_exceeded, failed, canceled)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")
	jobsListCmd.Flags().Int("offset", 0, "number of jobs to skip")

	jobsShowCmd.Flags().Bool("json", false, "print the job and full iteration records as JSON")

	jobsStatsCmd.Flags().Int("lookback", 0, "lookback window in hours (default from config)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tIMAGE\tSTATUS\tITERS\tACCURACY\tCOST\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t-----\t--------\t----\t-------\t--------")

	for _, j := range jobs {
		dur := j.UpdatedAt.Sub(j.CreatedAt).Round(time.Second).String()

		image := j.ImagePath
		if len(image) > 30 {
			image = "..." + image[len(image)-27:]
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.3f\t$%.4f\t%s\t%s\n",
			truncateID(j.ID),
			image,
			j.Status,
			j.Iterations,
			j.Accuracy,
			j.CumulativeCost,
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatJobDetail writes one job and its iteration history to w.
func formatJobDetail(out io.Writer, j *model.Job, iterations []model.IterationRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", j.ID)
	_, _ = fmt.Fprintf(w, "Image:\t%s\n", j.ImagePath)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	if j.Reason != "" {
		_, _ = fmt.Fprintf(w, "Reason:\t%s\n", j.Reason)
	}
	_, _ = fmt.Fprintf(w, "Target:\t%.2f over at most %d iterations\n", j.Config.TargetAccuracy, j.Config.MaxIterations)
	if j.Config.Unlimited() {
		_, _ = fmt.Fprintf(w, "Budget:\tunlimited\n")
	} else {
		_, _ = fmt.Fprintf(w, "Budget:\t$%.4f of $%.4f\n", j.CumulativeCost, j.Config.BudgetCap)
	}
	_ = w.Flush()

	if len(iterations) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITER\tACCURACY\tCOST\tCALLS\tLOCKED\tFOCUS\tDURATION")
	for _, it := range iterations {
		calls := 0
		for _, st := range it.Stages {
			calls += len(st.Calls)
		}
		_, _ = fmt.Fprintf(w, "%d\t%.3f\t$%.4f\t%d\t%d\t%d\t%s\n",
			it.Number, it.Accuracy, it.Cost, calls, len(it.Locked), len(it.FocusAreas),
			(time.Duration(it.Duration) * time.Millisecond).String(),
		)
	}
	_ = w.Flush()
}

// formatStats writes a metrics snapshot and any triggered alerts to w.
func formatStats(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Jobs:\t%d (%d running)\n", snap.JobsTotal, snap.JobsRunning)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", snap.JobsSucceeded)
	_, _ = fmt.Fprintf(w, "Max iterations:\t%d\n", snap.JobsMaxIterations)
	_, _ = fmt.Fprintf(w, "Budget exhausted:\t%d (%.1f%%)\n", snap.JobsBudgetExhausted, snap.BudgetExhaustedRate*100)
	_, _ = fmt.Fprintf(w, "Failed:\t%d (%.1f%%)\n", snap.JobsFailed, snap.FailRate*100)
	_, _ = fmt.Fprintf(w, "Canceled:\t%d\n", snap.JobsCanceled)
	_, _ = fmt.Fprintf(w, "Avg accuracy:\t%.3f\n", snap.AvgAccuracy)
	_, _ = fmt.Fprintf(w, "Avg iterations:\t%.1f\n", snap.AvgIterations)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", snap.CostUSD)
	_ = w.Flush()

	if len(alerts) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
