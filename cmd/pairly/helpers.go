package main

import (
	"fmt"
	"os"

	pairly "github.com/pairly-app/pairly-go"
)

// clientOptions builds client options from the config.
func clientOptions(cfg *Config) []pairly.ClientOption {
	var opts []pairly.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pairly.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient creates a Pairly client authenticated with the saved token.
func getClient() (*pairly.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'pairly login <email> <password>' first.")
		os.Exit(1)
	}
	return pairly.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg
}

// baseURL returns the effective API base URL for the config.
func baseURL(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return pairly.DefaultBaseURL
}
