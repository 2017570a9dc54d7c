// KI2GO executes templated LLM tasks against a credit-metered account.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ki2go/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ki2go",
	Short: "KI2GO task engine: template resolution, variable binding and metered execution.",
	Long: `KI2GO resolves the template that governs a task for a caller, binds and
validates the supplied variables and documents, runs the assembled prompt
against a language model and records every execution against the caller's
credit account.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd, runCmd, publishCmd, historyCmd, accountCmd, documentCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
