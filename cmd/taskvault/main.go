// Package main provides the entry point for the taskvault CLI.
package main

import (
	"os"

	"github.com/randalmurphal/taskvault/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
