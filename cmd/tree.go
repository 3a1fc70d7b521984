// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/confkeeper/config"
	"github.com/cardinalhq/confkeeper/internal/nodes"
)

// withApp opens the store for a one-shot command and closes it after fn.
func withApp(c *cobra.Command, withBus bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := handleSignals(c.Context())
	defer cancel()

	a, err := openApp(ctx, cfg, withBus)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("Error closing configuration store", slog.Any("error", err))
		}
	}()
	return fn(ctx, a)
}

// decodeTree parses a YAML or JSON document into a node.
func decodeTree(data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return nodes.Normalize(raw), nil
}

// encodeTree writes node to w as "yaml" or "json".
func encodeTree(w io.Writer, node any, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(node); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(node)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func init() {
	var (
		output string
		format string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the configuration tree as YAML or JSON",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c, false, func(ctx context.Context, a *app) error {
				root, err := a.store.ExportTree(ctx)
				if err != nil {
					return err
				}
				w := c.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return encodeTree(w, root, format)
			})
		},
	}
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	exportCmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	rootCmd.AddCommand(exportCmd)

	var at string
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace a subtree with the contents of a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path, err := nodes.Parse(at)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			node, err := decodeTree(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withApp(c, true, func(ctx context.Context, a *app) error {
				if err := a.store.ImportTree(ctx, path, node); err != nil {
					return err
				}
				slog.Info("Imported configuration", slog.String("path", path.String()), slog.String("file", args[0]))
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&at, "path", "/", "Path of the subtree to replace")
	rootCmd.AddCommand(importCmd)
}
