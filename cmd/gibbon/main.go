// Package main provides the gibbon CLI.
package main

import (
	"os"

	"github.com/gibbon-labs/gibbon/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
