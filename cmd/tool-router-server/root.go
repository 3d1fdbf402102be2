package main

import (
	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/tool_router/internal/config"
)

type rootFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	exposition string
	transport  string
	httpAddr   string
	lockfile   string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "tool-router-server",
		Short:         "Serve, lock and attest a governed tool router",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "configuration file (.yaml, .toml or .jsonc)")
	pf.StringSliceVar(&f.envFiles, "env-file", []string{".env.local", ".env"}, "dotenv files, earlier files win")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&f.exposition, "exposition", "", "flat or grouped")

	root.AddCommand(newServeCmd(f), newLockCmd(f), newDigestCmd(f))
	return root
}

// load resolves the configuration; flags the user set override it.
func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, error) {
	o := &config.Overrides{}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		o.LogLevel = &f.logLevel
	}
	if flags.Changed("exposition") {
		o.Exposition = &f.exposition
	}
	if flags.Lookup("transport") != nil && flags.Changed("transport") {
		o.Transport = &f.transport
	}
	if flags.Lookup("http-addr") != nil && flags.Changed("http-addr") {
		o.HTTPAddr = &f.httpAddr
	}
	if flags.Lookup("lockfile") != nil && flags.Changed("lockfile") {
		o.Lockfile = &f.lockfile
	}
	return config.Load(config.Options{Path: f.configPath, DotEnvFiles: f.envFiles, Overrides: o})
}
