package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"SnippetAI/internal/config"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "snippetai",
	Short: "Streamed multi-provider code generation pipeline",
	Long: `snippetai turns prompts into streamed code and explanations, routing each
stage across tiered AI provider chains with fallback.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, tiersCmd)
}

// loadConfig reads the configuration and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
