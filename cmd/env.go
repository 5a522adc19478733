package cmd

import (
	"os"

	"github.com/tunelab/finetuner/pkg/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var envOutputFile string

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Write the composed trainer environment to a dotenv file",
	Long: `Merge the trainer env files listed in config.yaml, inject the derived
entries (TRAINER_SERVER_URL) and write the result as a dotenv file`,
	Example: `  finetuner env -o trainer.env`,
	Run:     runEnv,
}

func init() {
	envCmd.Flags().StringVarP(&envOutputFile, "output", "o", "trainer.env", "output dotenv file")
	rootCmd.AddCommand(envCmd)
}

func runEnv(cmd *cobra.Command, args []string) {
	manager := config.NewManager(configFile)
	if err := manager.LoadConfig(); err != nil {
		color.Red("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	cfg := manager.GetConfig()

	env, err := config.ComposeTrainerEnv(&cfg.Trainer)
	if err != nil {
		color.Red("Failed to compose trainer environment: %v", err)
		os.Exit(1)
	}

	if err := config.WriteEnvFile(envOutputFile, env); err != nil {
		color.Red("Failed to write %s: %v", envOutputFile, err)
		os.Exit(1)
	}

	color.Green("Wrote %d entries to %s", len(env), envOutputFile)
}
