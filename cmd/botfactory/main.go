// Package main is the entry point for the botfactory CLI.
package main

import (
	"os"

	"github.com/botfactory/botfactory/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
