package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vaultflow/vaultflow/config"
	"github.com/vaultflow/vaultflow/vault"
)

func newVaultCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the vault directory tree",
	}
	cmd.AddCommand(newVaultInitCommand(flags), newVaultVerifyCommand(flags))
	return cmd
}

func newVaultInitCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create the vault folder tree and initial dashboard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var root string
			if len(args) == 1 {
				abs, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				root = abs
			} else {
				cfg, _, err := loadConfig(flags)
				if err != nil {
					return err
				}
				root = cfg.VaultPath
			}
			layout, err := vault.NewLayout(root, newLogger(flags.logLevel))
			if err != nil {
				return err
			}
			if err := layout.Init(); err != nil {
				return err
			}
			if err := layout.CheckSameFilesystem(); err != nil {
				return err
			}
			fmt.Printf("vault initialized at %s\n", root)
			fmt.Printf("set %s=%s or vault_path in %s to use it\n",
				config.EnvVaultPath, root, config.ProjectConfigFile)
			return nil
		},
	}
}

func newVaultVerifyCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the vault folder tree is complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			layout, err := vault.NewLayout(cfg.VaultPath, logger)
			if err != nil {
				return err
			}
			if !layout.Verify() {
				return fmt.Errorf("vault at %s is missing folders; run vaultflow vault init", cfg.VaultPath)
			}
			if err := layout.CheckSameFilesystem(); err != nil {
				return err
			}
			fmt.Printf("vault at %s is valid\n", cfg.VaultPath)
			return nil
		},
	}
}
