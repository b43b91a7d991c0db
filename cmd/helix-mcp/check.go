package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/logging"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the configuration, routing table and backend",
		Long: "Load the configuration, build the routing table against the query catalogue, " +
			"compare the catalogue with the one generated from the memory types and ping the backend.",
		RunE: runCheck,
	}
}

func runCheck(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config      ok (transport %s, embedding %s)\n", cfg.Server.Transport, cfg.Embedding.Mode)

	cfg.Journal.Engine = "none"
	a, err := newApp(cfg, logging.Nop())
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck
	fmt.Fprintf(out, "routing     ok (%d tools, %d queries)\n", len(a.router.Tools()), a.router.Catalog().Len())

	if drift := catalog.Diff(catalog.Generate(), a.router.Catalog()); len(drift) > 0 {
		printDrift(out, drift)
		return fmt.Errorf("query catalogue is out of date: %d differences", len(drift))
	}
	fmt.Fprintln(out, "catalogue   ok")

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := a.probe(ctx); err != nil {
		fmt.Fprintf(out, "backend     unreachable (%s)\n", cfg.HelixBaseURL())
		return err
	}
	fmt.Fprintf(out, "backend     ok (%s)\n", cfg.HelixBaseURL())
	return nil
}

func printDrift(w io.Writer, drift []string) {
	fmt.Fprintln(w, "catalogue   drift")
	for _, line := range drift {
		fmt.Fprintf(w, "  %s\n", line)
	}
}
