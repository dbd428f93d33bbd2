package main

import (
	"os"

	"github.com/fourpillars/adpilot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
