package cmd

import (
	"fmt"
	"os"

	"github.com/tunelab/finetuner/pkg/structure"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var structureCmd = &cobra.Command{
	Use:   "structure [file]",
	Short: "Validate a model structure change graph",
	Long: `Validate a model structure change graph (layers as nodes, connections
as edges) and print the change summary, e.g. for swapping a classifier head:

  [D] fc
  [A] fc1: (torch.nn.Linear) in_features=1024, out_features=512
  [A] conv1 -> fc1`,
	Args: cobra.ExactArgs(1),
	Run:  runStructure,
}

func init() {
	rootCmd.AddCommand(structureCmd)
}

func runStructure(cmd *cobra.Command, args []string) {
	data, err := os.ReadFile(args[0])
	if err != nil {
		color.Red("Failed to read structure file: %v", err)
		os.Exit(1)
	}

	s, err := structure.Parse(data)
	if err != nil {
		color.Red("Invalid structure: %v", err)
		os.Exit(1)
	}

	color.Green("Structure is valid. Change summary:")
	for _, line := range s.ChangeSummary() {
		fmt.Println("  " + line)
	}
}
