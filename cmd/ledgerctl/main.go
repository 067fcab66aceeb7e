// Package main is the entry point for ledgerctl.
package main

import (
	"fmt"
	"os"

	"github.com/onnwee/auditledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
