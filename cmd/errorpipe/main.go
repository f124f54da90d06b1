// Package main is the entry point of the errorpipe command.
package main

import (
	"os"

	"errorpipe/cmd/errorpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
