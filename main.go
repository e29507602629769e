// Package main is the entry point for the cgm-data command
package main

import (
	"os"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
