// Command mandate runs the pre-authorization engine daemon and its
// operator tooling.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "mandate",
	Short:         "Pre-authorized delegated execution engine",
	Long:          "mandate runs the delegated execution engine: principals sign multi-step\ninstructions once, untrusted triggers resubmit them, and the engine\ncommits each instruction atomically exactly once.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MANDATE_* env vars override")
	rootCmd.AddCommand(serveCmd, keygenCmd, adapterCmd, chainCmd, nonceCmd, payloadCmd)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
