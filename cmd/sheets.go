package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/qqqwwwyeee-boop/server5/internal/config"
)

func RunSheetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sheets",
		Short: "Google Sheets mirror operations",
	}

	cmd.AddCommand(runSheetsExportCommand())
	return cmd
}

func runSheetsExportCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Rewrite the mirror sheet from every stored key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.Sheets.Enabled {
				return errors.New("sheets.enabled is false")
			}

			srv, err := newServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer srv.Close()

			keys, err := srv.licenses.List(cmd.Context())
			if err != nil {
				return err
			}
			if err := srv.sheets.BatchSyncKeys(cmd.Context(), keys); err != nil {
				return err
			}

			cmd.Printf("Exported %d keys to sheet %q\n", len(keys), cfg.Sheets.SheetName)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	return cmd
}
