// Package main is migratectl, the operator CLI for the migration orchestrator.
// It talks to the orchestrator's HTTP API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
