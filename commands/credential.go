package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultflow/vaultflow/credentials"
	"github.com/vaultflow/vaultflow/vault"
)

// EnvMasterKey supplies the master secret that opens the credential
// store. Keeping it out of flags keeps it out of shell history and
// process listings.
const EnvMasterKey = "VAULTFLOW_MASTER_KEY"

func newCredentialCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage the encrypted credential store",
		Long: `Credential values live encrypted at rest inside the vault and are
never written to logs or the audit trail. The master secret comes from
the ` + EnvMasterKey + ` environment variable.`,
	}
	cmd.AddCommand(
		newCredentialSetCommand(flags),
		newCredentialGetCommand(flags),
		newCredentialListCommand(flags),
		newCredentialDeleteCommand(flags),
		newCredentialRotateCommand(flags),
	)
	return cmd
}

func openStore(flags *rootFlags) (*credentials.Store, *cmdContext, error) {
	master := os.Getenv(EnvMasterKey)
	if master == "" {
		return nil, nil, fmt.Errorf("%s is not set", EnvMasterKey)
	}
	cc, err := newCmdContext(flags)
	if err != nil {
		return nil, nil, err
	}
	store, err := credentials.Open(cc.layout.Path(vault.FolderCredentials), []byte(master), cc.aud, cc.logger)
	if err != nil {
		cc.close()
		return nil, nil, err
	}
	return store, cc, nil
}

func newCredentialSetCommand(flags *rootFlags) *cobra.Command {
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a credential (value read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cc, err := openStore(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			fmt.Fprint(os.Stderr, "value: ")
			var value string
			if _, err := fmt.Fscanln(os.Stdin, &value); err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				expiresAt = &t
			}
			if err := store.Set(args[0], value, expiresAt); err != nil {
				return err
			}
			fmt.Printf("stored %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the credential after this duration (0 for never)")
	return cmd
}

func newCredentialGetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a credential value to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cc, err := openStore(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			value, err := store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newCredentialListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credential names and timestamps (never values)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cc, err := openStore(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			infos := store.List()
			if len(infos) == 0 {
				fmt.Println("credential store is empty")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tUPDATED\tEXPIRES")
			for _, in := range infos {
				expires := "-"
				if in.ExpiresAt != nil {
					expires = in.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", in.Name,
					in.CreatedAt.Format(time.RFC3339),
					in.UpdatedAt.Format(time.RFC3339), expires)
			}
			w.Flush()
			return nil
		},
	}
}

func newCredentialDeleteCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cc, err := openStore(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func newCredentialRotateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt the store under a new master secret",
		Long: `Rotate re-encrypts every credential under the secret in
VAULTFLOW_MASTER_KEY_NEW, leaving values unchanged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			newMaster := os.Getenv(EnvMasterKey + "_NEW")
			if newMaster == "" {
				return fmt.Errorf("%s_NEW is not set", EnvMasterKey)
			}
			store, cc, err := openStore(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			if err := store.Rotate([]byte(newMaster)); err != nil {
				return err
			}
			fmt.Println("credential store re-encrypted under the new master secret")
			return nil
		},
	}
}
