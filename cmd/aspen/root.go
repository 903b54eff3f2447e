package main

import (
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/aspen/internal/config"
)

type rootOptions struct {
	configPath string
	dotenvPath string
	dbPath     string
	engine     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "aspen",
		Short:         "Aspen VPN coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.dotenvPath, "env-file", ".env", "path to a .env file (ignored when missing)")
	flags.StringVar(&opts.dbPath, "db", "", "database path (overrides config)")
	flags.StringVar(&opts.engine, "engine", "", "tunnel engine: wireguard or memory (overrides config)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newReconcileCmd(opts),
		newInviteCmd(opts),
		newPeerCmd(opts),
	)
	return cmd
}

// loadConfig applies flags on top of the file and environment layers
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.dotenvPath)
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.engine != "" {
		cfg.Interface.Engine = o.engine
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
