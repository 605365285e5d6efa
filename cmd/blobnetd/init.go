package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agenthands/blobnet/internal/config"
	"github.com/agenthands/blobnet/pkg/node"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the repo directory, identity key and config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if repo == "" {
				repo = config.Default().Node.Dir
				if v, ok := os.LookupEnv(config.EnvPath); ok && v != "" {
					repo = v
				}
			}
			id, err := initRepo(repo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\npeer id: %s\n", repo, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repo directory (default $IPFS_PATH or ./ipfs)")
	return cmd
}

func initRepo(repo string) (peer.ID, error) {
	if err := os.MkdirAll(repo, 0o755); err != nil {
		return "", err
	}
	if err := config.Write(config.DefaultPath(repo), config.Template(repo)); err != nil {
		return "", err
	}
	ident, err := peer.LoadOrCreateIdentity(filepath.Join(repo, node.DefaultKeyFile))
	if err != nil {
		return "", err
	}
	return ident.ID, nil
}
