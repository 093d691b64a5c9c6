package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "waf_detector",
	Short: "Rule-based detector for structured request data",
	Long: `waf_detector compiles WAF rulesets from a rule directory and evaluates
structured request data against them.

Without a subcommand it behaves like "run".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}
