package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/helixmcp/internal/config"
)

// NewRootCmd creates the root helix-mcp command with all subcommands
// registered. Without a subcommand it serves.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "helix-mcp",
		Short:         "helix-mcp: MCP tool server for HelixDB memories",
		Long:          "helix-mcp exposes business and customer memories stored in HelixDB as Model Context Protocol tools.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default: ./mcpconfig.{toml,yaml})")
	root.PersistentFlags().String("log-level", "", "override log.level")
	addServeFlags(root)

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newRepairCmd(),
		newCatalogCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads the configuration named by --config and applies flag
// overrides on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if f := cmd.Flags().Lookup("transport"); f != nil && f.Changed {
		cfg.Server.Transport = f.Value.String()
	}
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		cfg.Server.Host = f.Value.String()
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		port, _ := cmd.Flags().GetInt("port")
		switch cfg.Server.Transport {
		case "tcp":
			cfg.Server.TCPPort = port
		default:
			cfg.Server.HTTPPort = port
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
