package cmd

import (
	"context"
	"os"

	"github.com/tunelab/finetuner/pkg/config"
	"github.com/tunelab/finetuner/pkg/elastic"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index [file]",
	Short: "Index a JSONL run metrics file into elasticsearch",
	Long: `Index a JSONL run metrics file (as written by -o with -j) into the
elasticsearch index configured in config.yaml`,
	Args: cobra.ExactArgs(1),
	Run:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) {
	manager := config.NewManager(configFile)
	if err := manager.LoadConfig(); err != nil {
		color.Red("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	cfg := manager.GetConfig()
	if cfg.Elastic.URL == "" {
		color.Red("Error: elastic url is not configured. Please set it in config.yaml")
		os.Exit(1)
	}

	client, err := elastic.New(elastic.Config{
		URL:      cfg.Elastic.URL,
		Username: cfg.Elastic.Username,
		Password: cfg.Elastic.Password,
		Index:    cfg.Elastic.Index,
	})
	if err != nil {
		color.Red("Failed to connect to elasticsearch: %v", err)
		os.Exit(1)
	}

	if err := client.IndexJSONLinesFile(context.Background(), args[0]); err != nil {
		color.Red("Failed to index %s: %v", args[0], err)
		os.Exit(1)
	}

	color.Green("Indexed %s into %s", args[0], cfg.Elastic.Index)
}
