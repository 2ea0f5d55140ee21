// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kodiak-ai/kodiak/services/knowledge/graph"
	"github.com/kodiak-ai/kodiak/services/knowledge/security"
	"github.com/kodiak-ai/kodiak/services/knowledge/storage/badgerstore"
	"github.com/kodiak-ai/kodiak/services/knowledge/validation"
)

var (
	graphFormat     string
	graphJSONOutput bool
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Operate on the file-backed knowledge graph",
}

var graphExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the graph to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeGraph, err := loadGraph()
		if err != nil {
			return err
		}
		defer closeGraph()
		data, err := mgr.Export(context.Background(), graphFormat)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var graphImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace graph content from a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}

		mgr, closeGraph, err := loadGraph()
		if err != nil {
			return err
		}
		defer closeGraph()

		version, err := mgr.Import(context.Background(), data, graphFormat, cfg.Role)
		if err != nil {
			var rejected *graph.ImportRejectedError
			if errors.As(err, &rejected) {
				for _, v := range rejected.Violations {
					fmt.Fprintf(os.Stderr, "violation %s: %s\n", v.RuleID, v.Description)
				}
			}
			return err
		}

		if err := saveGraph(mgr); err != nil {
			return err
		}
		fmt.Printf("imported as version %d\n", version)
		return nil
	},
}

var graphValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run validation rules against the graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeGraph, err := loadGraph()
		if err != nil {
			return err
		}
		defer closeGraph()

		report, err := mgr.ValidateGraph(context.Background())
		if err != nil {
			return err
		}

		if graphJSONOutput {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		} else {
			header("validation report")
			for _, f := range report.Errors {
				fmt.Printf("error      %s  %s\n", f.RuleID, f.Description)
			}
			for _, f := range report.Violations {
				fmt.Printf("violation  %s  %s (%d rows)\n", f.RuleID, f.Description, len(f.Rows))
			}
			if report.Clean() {
				fmt.Println("ok")
			}
		}

		if !report.Clean() {
			return fmt.Errorf("%d errors, %d violations",
				len(report.Errors), len(report.Violations))
		}
		return nil
	},
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print graph counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeGraph, err := loadGraph()
		if err != nil {
			return err
		}
		defer closeGraph()

		snap := mgr.Metrics()
		if graphJSONOutput {
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		header("graph stats")
		fmt.Printf("triples   %d\n", snap.TripleCount)
		fmt.Printf("version   %d\n", snap.Version)
		return nil
	},
}

func init() {
	graphCmd.PersistentFlags().StringVar(&graphFormat, "format", graph.FormatTriples,
		"serialization format (triples or yaml)")
	graphCmd.PersistentFlags().BoolVar(&graphJSONOutput, "json", false, "emit JSON")

	graphCmd.AddCommand(graphExportCmd, graphImportCmd, graphValidateCmd, graphStatsCmd)
	rootCmd.AddCommand(graphCmd)
}

// loadGraph builds a Manager from the configured graph file. A missing
// file yields an empty graph. The CLI role gets unrestricted writes;
// multi-actor policy only matters for the embedded library use. The
// returned close function flushes and releases the audit journal.
func loadGraph() (*graph.Manager, func(), error) {
	opts := []graph.Option{
		graph.WithAuthorizer(security.NewAuthorizer(security.AccessRule{
			Role:             cfg.Role,
			Operation:        security.OpWrite,
			PredicatePattern: "*",
			Effect:           security.Allow,
		})),
	}

	closeJournal := func() {}
	if cfg.AuditDir != "" {
		db, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.AuditDir))
		if err != nil {
			return nil, nil, fmt.Errorf("open audit journal: %w", err)
		}
		journal, err := badgerstore.NewAuditJournal(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("open audit journal: %w", err)
		}
		opts = append(opts, graph.WithAuditJournal(journal))
		closeJournal = func() {
			_ = journal.Close()
			_ = db.Close()
		}
	}

	mgr := graph.NewManager(opts...)

	data, err := os.ReadFile(cfg.GraphFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		closeJournal()
		return nil, nil, fmt.Errorf("read graph file: %w", err)
	}
	if err == nil {
		if _, err := mgr.Import(context.Background(), data, graph.FormatTriples, cfg.Role); err != nil {
			closeJournal()
			return nil, nil, fmt.Errorf("load graph file: %w", err)
		}
	}

	// Rules register after the load so an already-violating file can
	// still be opened and inspected with `graph validate`.
	if cfg.RulesFile != "" {
		if err := validation.LoadInto(mgr.Engine(), cfg.RulesFile); err != nil {
			closeJournal()
			return nil, nil, err
		}
	}
	return mgr, closeJournal, nil
}

// saveGraph writes the manager's content back to the graph file.
func saveGraph(mgr *graph.Manager) error {
	data, err := mgr.Export(context.Background(), graph.FormatTriples)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.GraphFile, data, 0o600); err != nil {
		return fmt.Errorf("write graph file: %w", err)
	}
	return nil
}
