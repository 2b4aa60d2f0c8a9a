// Package main provides the entry point for the ragsync CLI.
package main

import (
	"os"

	"github.com/ragsync/ragsync/cmd/ragsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
