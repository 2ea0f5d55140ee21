// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kodiak-ai/kodiak/cmd/kodiak/internal/config"
)

var (
	cfg        config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "kodiak",
	Short: "Kodiak knowledge graph tooling",
	Long: `kodiak operates on a file-backed knowledge graph.

The graph lives in the line-oriented triples format at the location
named by graph_file in ~/.kodiak/kodiak.yaml. All commands run under
the configured security role.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.Path(), "config file location")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	}
}

// stdoutIsTTY reports whether decoration is appropriate. Piped output
// stays machine-readable.
func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// header prints a section header only on interactive terminals.
func header(text string) {
	if stdoutIsTTY() {
		fmt.Printf("== %s ==\n", text)
	}
}
