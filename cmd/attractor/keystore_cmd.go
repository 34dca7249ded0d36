package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/attractor"
	"pkt.systems/attractor/internal/sealer"
)

func newKeystoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Manage the payload sealing keystore",
	}
	cmd.AddCommand(newKeystoreGenCommand())
	return cmd
}

func newKeystoreGenCommand() *cobra.Command {
	var outPath string
	var force bool
	defaultOutput := "$HOME/.attractor/keystore.pem"
	if path, err := attractor.DefaultKeystorePath(); err == nil {
		defaultOutput = path
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a keystore holding a fresh root key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if outPath == "" {
				path, err := attractor.DefaultKeystorePath()
				if err != nil {
					return fmt.Errorf("resolve keystore path: %w", err)
				}
				outPath = path
			}
			expanded, err := expandPath(outPath)
			if err != nil {
				return fmt.Errorf("expand keystore path %q: %w", outPath, err)
			}
			if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
				return fmt.Errorf("create keystore dir: %w", err)
			}
			if err := sealer.GenerateKeystore(expanded, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote keystore to %s\n", expanded)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for the keystore (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	return cmd
}
