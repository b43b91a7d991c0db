package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrypster/helixmcp/internal/catalog"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the query catalogue generated from the memory types",
		Long:  "Write the queries the router needs, with their parameter types, as YAML. Use it to refresh internal/catalog/queries.yaml.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("output")
			if path == "" {
				return catalog.Generate().Encode(cmd.OutOrStdout())
			}

			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			if err := catalog.Generate().Encode(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	return cmd
}
