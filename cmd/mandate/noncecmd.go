package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/crypto"
	"github.com/spf13/cobra"
)

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Inspect and advance principal nonces",
}

var nonceShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show a principal's current nonce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if _, err := contracts.ParseAddress(args[0]); err != nil {
			return err
		}
		body, err := getJSON(server + "/v1/nonce/" + args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return err
	},
}

// nonceIncrementCmd signs a cancellation at the principal's current nonce
// and submits it, burning every payload signed at that nonce.
var nonceIncrementCmd = &cobra.Command{
	Use:   "increment <key-id>",
	Short: "Cancel all payloads signed at the current nonce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		keysetPath, _ := cmd.Flags().GetString("keyset")

		signer, err := loadSigner(keysetPath, args[0])
		if err != nil {
			return err
		}

		body, err := getJSON(server + "/v1/nonce/" + signer.Address().Hex())
		if err != nil {
			return err
		}
		var current struct {
			Nonce uint64 `json:"nonce"`
		}
		if err := json.Unmarshal(body, &current); err != nil {
			return err
		}

		req := &contracts.CancellationRequest{Nonce: current.Nonce}
		signer.SignCancellation(req)

		resp, err := postJSON(server+"/v1/nonce/increment", req)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(resp))
		return err
	},
}

func loadSigner(keysetPath, keyID string) (*crypto.Signer, error) {
	keyset := crypto.NewKeyset()
	if err := keyset.LoadFile(keysetPath); err != nil {
		return nil, err
	}
	signer, ok := keyset.Get(keyID)
	if !ok {
		return nil, fmt.Errorf("key %q not found in %s", keyID, keysetPath)
	}
	return signer, nil
}

func getJSON(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func postJSON(url string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func init() {
	for _, c := range []*cobra.Command{nonceShowCmd, nonceIncrementCmd} {
		c.Flags().String("server", "http://localhost:8420", "engine base URL")
	}
	nonceIncrementCmd.Flags().String("keyset", "keyset.yaml", "keyset file holding the signing key")
	nonceCmd.AddCommand(nonceShowCmd, nonceIncrementCmd)
}
