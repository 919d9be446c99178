package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/spf13/cobra"
)

// instructionDoc is the authoring format for an unsigned instruction:
// operations plus their sub-operation inputs (base64 in JSON).
type instructionDoc struct {
	Sequence   uint64                `json:"sequence"`
	Operations []contracts.Operation `json:"operations"`
	Inputs     [][]byte              `json:"inputs"`
}

func readInstruction(path string) (*contracts.Instruction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc instructionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse instruction: %w", err)
	}
	if doc.Sequence == 0 {
		doc.Sequence = 1
	}
	return contracts.NewInstruction(doc.Sequence, doc.Operations, doc.Inputs)
}

var payloadCmd = &cobra.Command{
	Use:   "payload",
	Short: "Author, sign, and submit instruction payloads",
}

var payloadHashCmd = &cobra.Command{
	Use:   "hash <instruction.json>",
	Short: "Print the payload hash of an instruction",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		inst, err := readInstruction(args[0])
		if err != nil {
			return err
		}
		return outputJSON(map[string]any{
			"payload_hash": inst.Header.PayloadHash,
			"op_count":     inst.Header.OpCount,
		})
	},
}

var payloadSignCmd = &cobra.Command{
	Use:   "sign <instruction.json>",
	Short: "Sign an instruction at a nonce, producing a submittable payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keysetPath, _ := cmd.Flags().GetString("keyset")
		keyID, _ := cmd.Flags().GetString("key")
		n, _ := cmd.Flags().GetUint64("nonce")

		signer, err := loadSigner(keysetPath, keyID)
		if err != nil {
			return err
		}
		inst, err := readInstruction(args[0])
		if err != nil {
			return err
		}
		p := &contracts.SignedPayload{Instruction: *inst, Nonce: n}
		if err := signer.SignPayload(p); err != nil {
			return err
		}
		return outputJSON(p)
	},
}

var payloadSubmitCmd = &cobra.Command{
	Use:   "submit <payload.json>",
	Short: "Submit a signed payload and print the receipt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var p contracts.SignedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
		resp, err := postJSON(server+"/v1/execute", &p)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(resp))
		return err
	},
}

func init() {
	payloadSignCmd.Flags().String("keyset", "keyset.yaml", "keyset file holding the signing key")
	payloadSignCmd.Flags().String("key", "", "key ID to sign with")
	payloadSignCmd.Flags().Uint64("nonce", 0, "nonce to sign at")
	_ = payloadSignCmd.MarkFlagRequired("key")
	payloadSubmitCmd.Flags().String("server", "http://localhost:8420", "engine base URL")
	payloadCmd.AddCommand(payloadHashCmd, payloadSignCmd, payloadSubmitCmd)
}
