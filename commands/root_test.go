package commands

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultflow/vaultflow/config"
	"github.com/vaultflow/vaultflow/vault"
)

// run executes the CLI with the given args against a fresh command tree.
func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCommand("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestVaultInitAndVerify(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := filepath.Join(t.TempDir(), "vault")

	require.NoError(t, run(t, "vault", "init", root))

	layout, err := vault.NewLayout(root, nil)
	require.NoError(t, err)
	require.True(t, layout.Verify(), "initialized vault failed verification")

	t.Setenv(config.EnvVaultPath, root)
	require.NoError(t, run(t, "vault", "verify"))
}

func TestVerifyFailsWithoutInit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvVaultPath, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, run(t, "vault", "verify"))
}

func TestStatusOnEmptyVault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := filepath.Join(t.TempDir(), "vault")
	require.NoError(t, run(t, "vault", "init", root))

	t.Setenv(config.EnvVaultPath, root)
	require.NoError(t, run(t, "status", "--json"))
}

func TestStopWithoutDaemon(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := filepath.Join(t.TempDir(), "vault")
	require.NoError(t, run(t, "vault", "init", root))

	t.Setenv(config.EnvVaultPath, root)
	err := run(t, "stop")
	require.ErrorIs(t, err, errNotRunning)
}

func TestUnknownCommandErrors(t *testing.T) {
	require.Error(t, run(t, "frobnicate"))
}
