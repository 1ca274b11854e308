package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/conversion-relay/internal/auth"
)

const keyPrefix = "rk_"

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Description string
}

type keygenResult struct {
	APIKey      string `json:"api_key"`
	KeyHash     string `json:"key_hash"`
	Description string `json:"description"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen [api-key]",
		Short: "Hash an API key for config.yaml, generating one if omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				generated, err := generateKey()
				if err != nil {
					return err
				}
				key = generated
			}
			res := keygenResult{APIKey: key, KeyHash: auth.HashAPIKey(key), Description: opts.Description}
			return writeResult(opts.RootOptions, cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "API Key: %s\n", res.APIKey)
				fmt.Fprintf(w, "SHA-256 Hash: %s\n", res.KeyHash)
				fmt.Fprintln(w, "\nAdd this to your config.yaml:")
				fmt.Fprintln(w, "auth:")
				fmt.Fprintln(w, "  api_keys:")
				fmt.Fprintf(w, "    - key_hash: %q\n", res.KeyHash)
				fmt.Fprintf(w, "      description: %q\n", res.Description)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Description, "description", "Generated key", "description stored next to the hash")

	return cmd
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}
