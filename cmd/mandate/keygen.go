package main

import (
	"fmt"
	"os"

	"github.com/Mindburn-Labs/mandate/pkg/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <key-id>",
	Short: "Generate an Ed25519 key and add it to a keyset file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("keyset")
		keyID := args[0]

		keyset := crypto.NewKeyset()
		if _, err := os.Stat(path); err == nil {
			if err := keyset.LoadFile(path); err != nil {
				return err
			}
		}
		if _, exists := keyset.Get(keyID); exists {
			return fmt.Errorf("key %q already exists in %s", keyID, path)
		}

		signer, err := crypto.NewSigner(keyID)
		if err != nil {
			return err
		}
		keyset.Add(signer)
		if err := keyset.SaveFile(path); err != nil {
			return err
		}

		return outputJSON(map[string]string{
			"key_id":     keyID,
			"address":    signer.Address().Hex(),
			"public_key": signer.PublicKeyHex(),
			"keyset":     path,
		})
	},
}

func init() {
	keygenCmd.Flags().String("keyset", "keyset.yaml", "keyset file to create or extend")
}
