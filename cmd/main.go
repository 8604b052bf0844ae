package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "server5",
		Short:         "License key authority",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(RunServeCommand())
	root.AddCommand(RunHashSecretCommand())
	root.AddCommand(RunAdminCommand())
	root.AddCommand(RunSheetsCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
