package main

import "github.com/tunelab/finetuner/cmd"

func main() {
	cmd.Execute()
}
