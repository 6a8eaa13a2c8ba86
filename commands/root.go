// Package commands implements the vaultflow CLI: vault management, the
// orchestrator daemon, and operator commands for approvals, the
// dead-letter queue, the audit log and credentials.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Exit codes. Usage errors exit 2; operational failures exit 1.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// rootFlags carries the persistent flag values shared by every command.
type rootFlags struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the vaultflow command tree.
func NewRootCommand(version string) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "vaultflow",
		Short: "Local-first automation orchestrator",
		Long: `VaultFlow runs an automation pipeline over a plain-folder vault:
files dropped in Inbox become actions, actions become plans, plans are
approved (by rule or by a human moving a file) and executed, and every
step lands in a hash-chained audit log.

The vault is readable and editable with nothing but a file manager.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newVaultCommand(flags),
		newStartCommand(flags),
		newStopCommand(flags),
		newRestartCommand(flags),
		newStatusCommand(flags),
		newApprovalCommand(flags),
		newDLQCommand(flags),
		newAuditCommand(flags),
		newCredentialCommand(flags),
		newVersionCommand(version),
	)
	return cmd
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vaultflow version %s\n", version)
		},
	}
}

// newLogger builds a text slog handler at the given level.
func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
