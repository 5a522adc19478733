package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/tunelab/finetuner/pkg/coordinator"
	"github.com/tunelab/finetuner/pkg/database"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	trackStatus string
	trackAll    bool
	trackJobID  string
)

var trackCmd = &cobra.Command{
	Use:   "track [model]",
	Short: "Query fine-tuning job database",
	Long:  `Query fine-tuning job database for a specific model, a job's epochs, or all models`,
	Run:   runTrack,
}

func init() {
	trackCmd.Flags().StringVar(&trackStatus, "status", "", "filter by status (pending, running, finished, failed)")
	trackCmd.Flags().BoolVar(&trackAll, "all", false, "query all models")
	trackCmd.Flags().StringVar(&trackJobID, "job", "", "show per-epoch metrics for a job id")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) {
	if !trackAll && trackJobID == "" && len(args) == 0 {
		color.Red("Error: provide a model name, a --job id, or use --all flag")
		cmd.Help()
		os.Exit(1)
	}

	if trackAll && len(args) > 0 {
		color.Red("Error: cannot use both model and --all flag together")
		cmd.Help()
		os.Exit(1)
	}

	coord, err := coordinator.NewCoordinator(configFile)
	if err != nil {
		color.Red("Failed to initialize coordinator: %v", err)
		os.Exit(1)
	}

	db := coord.GetDB()
	if db == nil || !db.IsEnabled() {
		color.Red("Error: Database is not enabled. Please enable it in config.yaml")
		os.Exit(1)
	}

	if trackJobID != "" {
		metrics, err := db.QueryEpochs(trackJobID)
		if err != nil {
			color.Red("Failed to query database: %v", err)
			os.Exit(1)
		}

		if len(metrics) == 0 {
			color.Yellow("[INF] No epoch metrics recorded for job %s.", trackJobID)
			os.Exit(0)
		}

		renderEpochTable(os.Stdout, metrics)
		color.Green("\nTotal epochs: %d", len(metrics))
		return
	}

	if trackStatus != "" {
		trackStatus = strings.ToUpper(trackStatus)
	}

	var records []database.JobRecord

	if trackAll {
		records, err = db.QueryAllJobs(trackStatus)
		if err != nil {
			color.Red("Failed to query database: %v", err)
			os.Exit(1)
		}
	} else {
		records, err = db.QueryJobs(args[0], trackStatus)
		if err != nil {
			color.Red("Failed to query database: %v", err)
			os.Exit(1)
		}

		if len(records) == 0 {
			color.Yellow("[INF] Model %s not found in database.", args[0])
			os.Exit(0)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("JOB_ID\tMODEL\tDATASET\tSTATUS\tEPOCHS\tCREATED\tFINISHED"))
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range records {
		statusColor := color.GreenString
		switch r.Status {
		case database.StatusFailed:
			statusColor = color.RedString
		case database.StatusPending:
			statusColor = color.YellowString
		case database.StatusRunning:
			statusColor = color.CyanString
		}

		finished := "-"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d-%d\t%s\t%s\n",
			r.JobID,
			r.Model,
			r.Dataset,
			statusColor(r.Status),
			r.MinEpochs,
			r.MaxEpochs,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			finished,
		)
	}
	w.Flush()

	color.Green("\nTotal records: %d", len(records))
}

func renderEpochTable(out io.Writer, metrics []database.MetricRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("EPOCH\tSTAGE\tTRAIN_LOSS\tTRAIN_ACC\tVAL_LOSS\tVAL_ACC\tRECORDED"))
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, m := range metrics {
		fmt.Fprintf(w, "%d\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
			m.Epoch,
			m.Stage,
			m.TrainLoss,
			m.TrainAcc,
			m.ValLoss,
			m.ValAcc,
			m.RecordedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()
}
