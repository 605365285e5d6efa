package main

import (
	"os"

	"github.com/agenthands/blobnet/internal/config"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "blobnetd",
		Short:         "Content-addressed block node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"config file (default <repo>/config.yaml when present)")

	cmd.AddCommand(
		newDaemonCmd(flags),
		newInitCmd(),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig resolves the config file: an explicit --config must exist, the
// repo default is used only when present.
func (f *rootFlags) loadConfig() (config.Config, error) {
	path := f.configPath
	if path == "" {
		repo := config.Default().Node.Dir
		if v, ok := os.LookupEnv(config.EnvPath); ok && v != "" {
			repo = v
		}
		if _, err := os.Stat(config.DefaultPath(repo)); err == nil {
			path = config.DefaultPath(repo)
		}
	}
	return config.Load(path, os.LookupEnv)
}
