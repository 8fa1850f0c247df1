package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var vaultPassFile string

func newVaultCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Encrypt, decrypt and view secret files",
		Long: `Vault manages files encrypted with AES-256-GCM under a password-derived
key. Encrypted files and inline values are decrypted transparently during a
run when the same password is supplied.`,
	}

	cmd.PersistentFlags().StringVar(&vaultPassFile, "vault-password-file", "", "file containing the vault password")

	cmd.AddCommand(newVaultEncryptCommand())
	cmd.AddCommand(newVaultDecryptCommand())
	cmd.AddCommand(newVaultViewCommand())

	return cmd
}

func newVaultEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt FILE...",
		Short: "Encrypt files in place",
		Example: `  # Encrypt a variables file
  NEXUS_VAULT_PASSWORD=secret nexus vault encrypt group_vars/prod.yml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := requireVault(vaultPassFile)
			if err != nil {
				return err
			}
			for _, path := range args {
				if err := v.EncryptFile(path); err != nil {
					return err
				}
				fmt.Printf("%s: encrypted\n", path)
			}
			return nil
		},
	}
}

func newVaultDecryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt FILE...",
		Short: "Decrypt files in place",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := requireVault(vaultPassFile)
			if err != nil {
				return err
			}
			for _, path := range args {
				if err := v.DecryptFile(path); err != nil {
					return err
				}
				fmt.Printf("%s: decrypted\n", path)
			}
			return nil
		},
	}
}

func newVaultViewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view FILE",
		Short: "Print a decrypted file without modifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := requireVault(vaultPassFile)
			if err != nil {
				return err
			}
			plaintext, err := v.ViewFile(args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(plaintext)
			return err
		},
	}
}
