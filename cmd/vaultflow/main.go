// Package main provides the vaultflow binary entry point. VaultFlow is
// a local-first automation orchestrator driven by a plain-folder vault.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/vaultflow/vaultflow/commands"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(commands.ExitUsage)
		}
	}()

	if err := commands.NewRootCommand(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitError)
	}
}
