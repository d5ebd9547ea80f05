// Command coredbg is the thin CLI client of spec §6.2/§9: a cobra command
// tree plus a readline REPL that drives the debugger facade and nothing
// more. Grounded on Manu343726-cucaracha/cmd/root.go's rootCmd/Execute
// shape, trimmed of its viper config-file wiring (this repo's own
// internal/config already owns ~/.coredbgrc.yaml).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coredbg/coredbg/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "coredbg <executable> [args...]",
	Short: "A source-level debugger for native Linux/amd64 processes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return runREPL(args[0], args[1:], cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a coredbgrc.yaml (default: ~/.coredbgrc.yaml)")
	rootCmd.AddCommand(attachCmd)
}

var attachCmd = &cobra.Command{
	Use:   "attach <pid>",
	Short: "Attach to a running process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		var pid int
		if _, err := fmt.Sscanf(args[0], "%d", &pid); err != nil {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		return runAttachREPL(pid, cfg)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
