package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mixerls/internal/config"
	"mixerls/internal/lsp"
)

var lspCmd = &cobra.Command{
	Use:          "lsp",
	Short:        "Run the language server over stdio",
	SilenceUsage: true,
	RunE:         runLSP,
}

func init() {
	lspCmd.Flags().String("config", "", "settings file (default: mixerls.toml found from the workspace root)")
	lspCmd.Flags().String("endpoint", "", "interactive service websocket endpoint")
	lspCmd.Flags().Int("max-problems", 0, "maximum number of problems reported per document")
}

func runLSP(cmd *cobra.Command, _ []string) error {
	settings, configPath, err := lspSettings(cmd)
	if err != nil {
		return err
	}
	server := lsp.NewServer(os.Stdin, os.Stdout, lsp.ServerOptions{
		Settings:   &settings,
		ConfigPath: configPath,
	})
	if err := server.Run(cmd.Context()); err != nil {
		if errors.Is(err, lsp.ErrExit) {
			return nil
		}
		if errors.Is(err, lsp.ErrExitWithoutShutdown) {
			return fmt.Errorf("lsp exit without shutdown")
		}
		return err
	}
	return nil
}

// lspSettings layers defaults, the settings file and command-line flags.
func lspSettings(cmd *cobra.Command) (config.Settings, string, error) {
	settings := config.Default()
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return settings, "", fmt.Errorf("failed to get config flag: %w", err)
	}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return settings, "", err
		}
		settings = loaded
	}
	endpoint, err := cmd.Flags().GetString("endpoint")
	if err != nil {
		return settings, "", fmt.Errorf("failed to get endpoint flag: %w", err)
	}
	if endpoint != "" {
		settings.Endpoint = endpoint
	}
	maxProblems, err := cmd.Flags().GetInt("max-problems")
	if err != nil {
		return settings, "", fmt.Errorf("failed to get max-problems flag: %w", err)
	}
	if maxProblems > 0 {
		settings.MaxNumberOfProblems = maxProblems
	}
	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		return settings, "", err
	}
	return settings, configPath, nil
}
