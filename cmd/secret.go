package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func RunHashSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret SECRET",
		Short: "Print the bcrypt hash to use as adminSecretHash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			cmd.Println(string(hash))
			return nil
		},
	}
}
