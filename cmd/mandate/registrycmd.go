package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/mandate/pkg/config"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/registry"
	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"
)

// openRegistry opens the daemon's registry tables directly. The registry
// commands are offline ops tooling; the daemon picks changes up from the
// shared database.
func openRegistry() (registry.Registry, string, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, "", nil, err
	}
	if cfg.DatabasePath == "" {
		return nil, "", nil, errors.New("registry commands require database_path")
	}
	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, "", nil, err
	}
	reg, err := registry.NewSQLiteRegistry(db, cfg.OwnerToken)
	if err != nil {
		_ = db.Close()
		return nil, "", nil, err
	}
	return reg, cfg.OwnerToken, func() { _ = db.Close() }, nil
}

var adapterCmd = &cobra.Command{
	Use:   "adapter",
	Short: "Manage adapter registry entries",
}

var adapterSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Bind an adapter ID to a handler address",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, owner, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		id, _ := cmd.Flags().GetUint16("id")
		addrHex, _ := cmd.Flags().GetString("address")
		manifestPath, _ := cmd.Flags().GetString("manifest")

		addr, err := contracts.ParseAddress(addrHex)
		if err != nil {
			return err
		}
		var manifest *registry.Manifest
		if manifestPath != "" {
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			manifest = &registry.Manifest{}
			if err := json.Unmarshal(raw, manifest); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
		}
		if err := reg.SetAdapter(owner, id, addr, manifest); err != nil {
			return err
		}
		return outputJSON(map[string]any{"id": id, "address": addr.Hex()})
	},
}

var adapterFreezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Permanently lock an adapter binding",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, owner, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		id, _ := cmd.Flags().GetUint16("id")
		if err := reg.FreezeAdapter(owner, id); err != nil {
			return err
		}
		return outputJSON(map[string]any{"id": id, "frozen": true})
	},
}

var adapterShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show an adapter binding",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, _, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		id, _ := cmd.Flags().GetUint16("id")
		addr, err := reg.GetAdapter(id)
		if err != nil {
			return err
		}
		manifest, _ := reg.AdapterManifest(id)
		return outputJSON(map[string]any{
			"id":       id,
			"address":  addr.Hex(),
			"frozen":   reg.IsAdapterFrozen(id),
			"manifest": manifest,
		})
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Manage chain registry entries",
}

var chainSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Bind a network index to a chain identifier",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, owner, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		index, _ := cmd.Flags().GetUint32("index")
		chainID, _ := cmd.Flags().GetString("chain-id")
		if err := reg.SetChain(owner, index, chainID); err != nil {
			return err
		}
		return outputJSON(map[string]any{"index": index, "chain_id": chainID})
	},
}

var chainFreezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Permanently lock a chain binding",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, owner, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		index, _ := cmd.Flags().GetUint32("index")
		if err := reg.FreezeChain(owner, index); err != nil {
			return err
		}
		return outputJSON(map[string]any{"index": index, "frozen": true})
	},
}

var chainShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a chain binding",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, _, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		index, _ := cmd.Flags().GetUint32("index")
		chainID, err := reg.GetChain(index)
		if err != nil {
			return err
		}
		return outputJSON(map[string]any{
			"index":    index,
			"chain_id": chainID,
			"frozen":   reg.IsChainFrozen(index),
		})
	},
}

func init() {
	adapterSetCmd.Flags().Uint16("id", 0, "adapter ID")
	adapterSetCmd.Flags().String("address", "", "handler address (hex)")
	adapterSetCmd.Flags().String("manifest", "", "manifest JSON file")
	_ = adapterSetCmd.MarkFlagRequired("id")
	_ = adapterSetCmd.MarkFlagRequired("address")
	adapterFreezeCmd.Flags().Uint16("id", 0, "adapter ID")
	_ = adapterFreezeCmd.MarkFlagRequired("id")
	adapterShowCmd.Flags().Uint16("id", 0, "adapter ID")
	_ = adapterShowCmd.MarkFlagRequired("id")
	adapterCmd.AddCommand(adapterSetCmd, adapterFreezeCmd, adapterShowCmd)

	chainSetCmd.Flags().Uint32("index", 0, "network index")
	chainSetCmd.Flags().String("chain-id", "", "chain identifier")
	_ = chainSetCmd.MarkFlagRequired("index")
	_ = chainSetCmd.MarkFlagRequired("chain-id")
	chainFreezeCmd.Flags().Uint32("index", 0, "network index")
	_ = chainFreezeCmd.MarkFlagRequired("index")
	chainShowCmd.Flags().Uint32("index", 0, "network index")
	_ = chainShowCmd.MarkFlagRequired("index")
	chainCmd.AddCommand(chainSetCmd, chainFreezeCmd, chainShowCmd)
}
