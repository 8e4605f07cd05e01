package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/imedwei/docker-backup/internal/envelope"
)

var keygenCmdFlags struct {
	method string
	out    string
	bits   int
	force  bool
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate encryption keys",
	Long: `Generate a random 32-byte symmetric master key, or an RSA key pair for
asymmetric encryption. The asymmetric private key is written to OUT and the
public key to OUT.pub.

Keep the private key off the backup host if it only needs to encrypt.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		method, err := envelope.ParseMethod(keygenCmdFlags.method)
		if err != nil {
			return err
		}
		written, err := generateKeys(method, keygenCmdFlags.out, keygenCmdFlags.bits, keygenCmdFlags.force)
		if err != nil {
			return err
		}
		for _, path := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		}
		return nil
	},
}

// generateKeys writes new key files and returns their paths.
func generateKeys(method envelope.Method, out string, bits int, force bool) ([]string, error) {
	if out == "" {
		return nil, fmt.Errorf("--out is required")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	switch method {
	case envelope.MethodSymmetric:
		key, err := envelope.GenerateSymmetricKey()
		if err != nil {
			return nil, err
		}
		if err := writeKey(out, key, 0o600, force); err != nil {
			return nil, err
		}
		return []string{out}, nil

	default:
		privPEM, pubPEM, err := envelope.GenerateRSAKeyPair(bits)
		if err != nil {
			return nil, err
		}
		if err := writeKey(out, privPEM, 0o600, force); err != nil {
			return nil, err
		}
		if err := writeKey(out+".pub", pubPEM, 0o644, force); err != nil {
			return nil, err
		}
		return []string{out, out + ".pub"}, nil
	}
}

func writeKey(path string, data []byte, perm os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return fmt.Errorf("failed to write key: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write key: %w", err)
	}
	return f.Close()
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenCmdFlags.method, "method", string(envelope.MethodSymmetric), "Key type: symmetric or asymmetric")
	keygenCmd.Flags().StringVarP(&keygenCmdFlags.out, "out", "o", "", "Path of the key file to write")
	keygenCmd.Flags().IntVar(&keygenCmdFlags.bits, "bits", envelope.DefaultRSABits, "RSA modulus size for asymmetric keys")
	keygenCmd.Flags().BoolVar(&keygenCmdFlags.force, "force", false, "Overwrite existing key files")
}
