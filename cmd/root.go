package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunelab/finetuner/pkg/config"
	"github.com/tunelab/finetuner/pkg/coordinator"
	"github.com/tunelab/finetuner/pkg/database"
	"github.com/tunelab/finetuner/pkg/finetune"
	"github.com/tunelab/finetuner/pkg/session"
	"github.com/tunelab/finetuner/pkg/trainer"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	jobFile     string
	model       string
	device      string
	outputFile  string
	jsonFormat  bool
	silent      bool
	stats       bool
	verbose     bool
	dryRun      bool
	forceFetch  bool
	elasticPush bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "finetuner",
	Short: "fine-tuning job coordinator",
	Long:  `coordinator for fine-tuning pretrained models with gradual unfreezing`,
	Run:   runJob,
}

func Execute() {
	hasSilentFlag := false
	for i, arg := range os.Args {
		if arg == "-silent" {
			os.Args[i] = "--silent"
			hasSilentFlag = true
		}
		if arg == "-stats" {
			os.Args[i] = "--stats"
		}
		if arg == "-dry-run" {
			os.Args[i] = "--dry-run"
		}
		if arg == "-es" {
			os.Args[i] = "--es"
		}
	}

	if !hasSilentFlag {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Printf("[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	coordinator.DebugLog = DebugLog
	session.DebugLog = DebugLog
	database.DebugLog = DebugLog
	finetune.DebugLog = DebugLog
	trainer.DebugLog = DebugLog
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}Flags:
JOB:
   -f, -job string         job descriptor file (yaml or json), merged with defaults
   -m, -model string       pretrained model name (overrides the job file)
   -dry-run                validate the job and print the training plan without running
   -force                  re-download pretrained weights even when cached

TRAINER:
   -device string          training device (cpu, cuda, auto)

METRICS:
   -es                     push epoch metrics to elasticsearch after the run

TRACK:
   -status string          filter by status (pending, running, finished, failed)
   -all                    query all models

OUTPUT:
   -o, -output string      file to write the run summary to
   -j, -json               write epoch metrics in JSONL(ines) format
   -silent                 silent mode - no banner or extra output
   -stats                  display per-epoch statistics after the run

CONFIGURATION:
   -c, -config string      config file path (default: config/config.yaml)

OPTIMIZATION:
   -v, -verbose            enable verbose/debug output
{{if .HasAvailableSubCommands}}
Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: config/config.yaml)")

	rootCmd.Flags().StringVarP(&jobFile, "job", "f", "", "job descriptor file (yaml or json)")
	rootCmd.Flags().StringVarP(&model, "model", "m", "", "pretrained model name")
	rootCmd.Flags().StringVar(&device, "device", "", "training device (cpu, cuda, auto)")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "file to write the run summary to")
	rootCmd.Flags().BoolVarP(&jsonFormat, "json", "j", false, "write epoch metrics in JSONL(ines) format")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "silent mode - no banner or extra output")
	rootCmd.Flags().BoolVar(&stats, "stats", false, "display per-epoch statistics after the run")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the job and print the plan without training")
	rootCmd.Flags().BoolVar(&forceFetch, "force", false, "re-download pretrained weights even when cached")
	rootCmd.Flags().BoolVar(&elasticPush, "es", false, "push epoch metrics to elasticsearch after the run")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(updateCmd)
}

func runJob(cmd *cobra.Command, args []string) {
	if jobFile == "" && model == "" {
		color.Red("Error: either -f (job file) or -m (model) is required")
		cmd.Help()
		os.Exit(1)
	}

	Verbose = verbose

	if verbose {
		setDebugLogFunctions()
	}

	coord, err := coordinator.NewCoordinator(configFile)
	if err != nil {
		color.Red("Failed to initialize coordinator: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := coordinator.RunOptions{
		JobFile:     jobFile,
		Model:       model,
		Device:      device,
		OutputFile:  outputFile,
		JSONFormat:  jsonFormat,
		Stats:       stats,
		DryRun:      dryRun,
		Force:       forceFetch,
		ElasticPush: elasticPush,
	}

	result, err := coord.RunJob(ctx, options)
	if err != nil {
		color.Red("Job failed: %v", err)
		os.Exit(1)
	}

	if !silent && !dryRun {
		color.Green("\nJob %s completed: %d epochs on %s in %v, best val_acc %.4f",
			result.JobID, len(result.Epochs), result.Dataset, result.Duration, result.BestValAcc)
	}

	if stats && !silent {
		displayStatistics(result)
	}

	if result.Success {
		os.Exit(0)
	} else {
		os.Exit(1)
	}
}

func displayStatistics(result *coordinator.RunResult) {
	fmt.Println()
	color.Cyan("Per-epoch statistics for job %s:", result.JobID)
	for _, m := range result.Epochs {
		fmt.Printf("  epoch %2d [%s]  train_loss %.4f  train_acc %.4f  val_loss %.4f  val_acc %.4f\n",
			m.Epoch, m.Stage, m.TrainLoss, m.TrainAcc, m.ValLoss, m.ValAcc)
	}
}

func printBanner() {
	banner := color.CyanString(`
┌─┐┬┌┐┌┌─┐┌┬┐┬ ┬┌┐┌┌─┐┬─┐
├┤ ││││├┤  │ │ ││││├┤ ├┬┘
└  ┴┘└┘└─┘ ┴ └─┘┘└┘└─┘┴└─
`)
	info := color.HiBlackString("fine-tuning job coordinator with gradual unfreezing")
	fmt.Println(banner)
	fmt.Println(info)
	fmt.Println()
}
