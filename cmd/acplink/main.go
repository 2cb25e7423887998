// Package main provides the entry point for the acplink coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/acplink/acplink/cmd/acplink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
