package main

import (
	"os"

	"github.com/beam-cloud/tarmount/pkg/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
