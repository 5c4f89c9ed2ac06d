// Package main implements the lexctl CLI for operating jobs on a lexconverged daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/monitor"
)

var (
	// serverURL is the base URL for the lexconverged HTTP API
	serverURL string
	// jsonOutput prints raw JSON instead of tables
	jsonOutput bool
	// requestTimeout bounds one API call
	requestTimeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lexctl",
		Short: "CLI for lexconverged job operations",
		Long: `lexctl submits documents to a lexconverged daemon and follows the
resulting extraction jobs.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "lexconverged server URL")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")
	root.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newListCmd(),
		newStatsCmd(),
		newHealthCmd(),
		newWatchCmd(),
	)
	return root
}

func apiClient() *monitor.Client {
	return monitor.NewClient(serverURL)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

// submitFlags mirror job_config. Only flags the user set are sent, so the
// daemon applies its own defaults to the rest.
type submitFlags struct {
	maxRounds      int
	maxWorkers     int
	threshold      int
	contextRes     bool
	inference      bool
	textLimit      int
	follow         bool
	followInterval time.Duration
}

func newSubmitCmd() *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a document for reference extraction",
		Long: `Submit a plain-text document from a file or stdin.

Examples:
  # Submit a file with the daemon defaults
  lexctl submit sentencia.txt

  # Submit from stdin, two rounds at most, and wait for the result
  cat contrato.txt | lexctl submit - --max-rounds 2 --follow`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, args, f)
		},
	}
	cmd.Flags().IntVar(&f.maxRounds, "max-rounds", 0, "maximum convergence rounds (1-10)")
	cmd.Flags().IntVar(&f.maxWorkers, "max-workers", 0, "validation workers (1-8)")
	cmd.Flags().IntVar(&f.threshold, "threshold", 0, "acceptance threshold (50-95)")
	cmd.Flags().BoolVar(&f.contextRes, "context-resolution", true, "resolve references such as \"la presente ley\"")
	cmd.Flags().BoolVar(&f.inference, "inference", false, "infer the law of unresolved references")
	cmd.Flags().IntVar(&f.textLimit, "text-limit", 0, "truncate the document to this many characters")
	cmd.Flags().BoolVar(&f.follow, "follow", false, "wait for the job to finish and print the result")
	cmd.Flags().DurationVar(&f.followInterval, "interval", time.Second, "polling interval with --follow")
	return cmd
}

func buildRequest(cmd *cobra.Command, text string, f submitFlags) jobs.Request {
	req := jobs.Request{Text: text}
	flags := cmd.Flags()
	if flags.Changed("max-rounds") {
		req.Options.MaxRounds = &f.maxRounds
	}
	if flags.Changed("max-workers") {
		req.Options.MaxWorkers = &f.maxWorkers
	}
	if flags.Changed("threshold") {
		req.Options.AcceptanceThreshold = &f.threshold
	}
	if flags.Changed("context-resolution") {
		req.Options.UseContextResolution = &f.contextRes
	}
	if flags.Changed("inference") {
		req.Options.UseInference = &f.inference
	}
	if flags.Changed("text-limit") {
		req.Options.TextLimit = &f.textLimit
	}
	return req
}

func readDocument(cmd *cobra.Command, args []string) (string, error) {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if strings.TrimSpace(string(content)) == "" {
		return "", fmt.Errorf("no content to submit")
	}
	return string(content), nil
}

func runSubmit(cmd *cobra.Command, args []string, f submitFlags) error {
	text, err := readDocument(cmd, args)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd)
	created, err := apiClient().Submit(ctx, buildRequest(cmd, text, f))
	cancel()
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	if !f.follow {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), created)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", created.JobID, created.Status)
		return nil
	}

	job, err := follow(cmd.Context(), apiClient(), created.JobID, f.followInterval)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), job)
}

// follow polls job id until it is terminal.
func follow(ctx context.Context, client *monitor.Client, id string, interval time.Duration) (jobs.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		job, err := client.Job(reqCtx, id)
		cancel()
		if err != nil {
			return jobs.Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return jobs.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			job, err := apiClient().Job(ctx, args[0])
			if err != nil {
				if monitor.IsNotFound(err) {
					return fmt.Errorf("job %s not found", args[0])
				}
				return fmt.Errorf("failed to get job: %w", err)
			}
			return printJob(cmd.OutOrStdout(), job)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := apiClient().Cancel(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to cancel job: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", resp.JobID, resp.Status)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := jobs.Status(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			list, err := apiClient().Jobs(ctx, st)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printSummaries(cmd.OutOrStdout(), list, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list jobs in this status")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job manager statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			stats, err := apiClient().Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Jobs:             %d\n", stats.Total)
			for _, st := range []jobs.Status{jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled} {
				fmt.Fprintf(out, "  %-15s %d\n", st+":", stats.ByStatus[st])
			}
			fmt.Fprintf(out, "Success rate:     %s\n", monitor.FormatPercent(stats.SuccessRate))
			fmt.Fprintf(out, "Average duration: %s\n", monitor.FormatSeconds(stats.AverageDuration))
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check lexconverged server health",
		Long: `Check the health status of the lexconverged HTTP server.

Examples:
  # Check health
  lexctl health

  # Check health on a different server
  lexctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			health, err := apiClient().Health(ctx)
			if err != nil {
				return fmt.Errorf("failed to check health: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), health)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", health.Status)
			if health.Version != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", health.Version)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Events: %s\n", health.Events)
			if health.Status != "ok" {
				return fmt.Errorf("server is %s", health.Status)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummaries(w io.Writer, list []jobs.Summary, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tPHASE\tCREATED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			monitor.ShortID(s.ID), s.Status, monitor.FormatPercent(s.Progress), s.CurrentPhase, monitor.FormatAge(s.CreatedAt, now))
	}
	_ = tw.Flush()
}

// printJob prints a job header and, once completed, its references with
// the entries that need review marked.
func printJob(w io.Writer, job jobs.Job) error {
	if jsonOutput {
		return printJSON(w, job)
	}

	fmt.Fprintf(w, "Job:      %s\n", job.ID)
	fmt.Fprintf(w, "Status:   %s\n", job.Status)
	fmt.Fprintf(w, "Phase:    %s\n", job.CurrentPhase)
	fmt.Fprintf(w, "Progress: %s\n", monitor.FormatPercent(job.Progress))
	if job.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", job.Error)
	}
	if job.Status != jobs.StatusCompleted {
		return nil
	}

	fmt.Fprintf(w, "Rounds:   %d\n", len(job.Rounds))
	if job.Audit != nil {
		fmt.Fprintf(w, "Grade:    %.1f (%s)\n", job.Audit.Grade, job.Audit.Level)
	}
	fmt.Fprintln(w)

	if len(job.Result) == 0 {
		fmt.Fprintln(w, "No references found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tKIND\tCONF\tVALIDATION\tAGENTS\tREVIEW")
	for _, ref := range job.Result {
		label := ref.LawTitleFull
		if label == "" {
			label = string(ref.CanonicalKey)
		}
		if ref.ArticleNumber != "" {
			label = "art. " + ref.ArticleNumber + " " + label
		}
		review := ""
		if ref.NeedsReview {
			reasons := make([]string, len(ref.ReviewReasons))
			for i, r := range ref.ReviewReasons {
				reasons[i] = string(r)
			}
			review = strings.Join(reasons, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			label, ref.Kind, ref.FinalConfidence, ref.ValidationStatus, len(ref.CorroboratingAgents), review)
	}
	return tw.Flush()
}
