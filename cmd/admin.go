package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qqqwwwyeee-boop/server5/internal/config"
	"github.com/qqqwwwyeee-boop/server5/pkg/licenseclient"
)

// adminFlags are shared by every admin subcommand and may also come from
// SERVER5_URL, SERVER5_TOKEN and SERVER5_SECRET.
type adminFlags struct {
	v *viper.Viper
}

func (f *adminFlags) client(cmd *cobra.Command) (*licenseclient.Client, error) {
	c := licenseclient.New(f.v.GetString("url"), licenseclient.WithToken(f.v.GetString("token")))
	if f.v.GetString("token") == "" && f.v.GetString("secret") != "" {
		if _, err := c.Login(cmd.Context(), f.v.GetString("secret")); err != nil {
			return nil, errors.Wrap(err, "login")
		}
	}
	return c, nil
}

func RunAdminCommand() *cobra.Command {
	flags := &adminFlags{v: viper.New()}
	flags.v.SetEnvPrefix(config.EnvPrefix)
	flags.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage license keys on a running authority",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return flags.v.BindPFlags(cmd.Flags())
		},
	}

	cmd.PersistentFlags().String("url", "http://127.0.0.1:5000", "Authority base URL")
	cmd.PersistentFlags().String("token", "", "Bearer token from /auth/token")
	cmd.PersistentFlags().String("secret", "", "Admin secret, exchanged for a token when --token is empty")

	cmd.AddCommand(
		runAdminActivateCommand(flags),
		runAdminKeyCommand(flags, "deactivate", "Deactivate a key", (*licenseclient.Client).Deactivate),
		runAdminKeyCommand(flags, "resume", "Resume a suspended key", (*licenseclient.Client).Resume),
		runAdminExtendCommand(flags),
		runAdminSuspendCommand(flags),
		runAdminCheckCommand(flags),
		runAdminListCommand(flags),
		runAdminStatsCommand(flags),
	)
	return cmd
}

func parseCount(name, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("%s must be a whole number, got %q", name, raw)
	}
	return n, nil
}

func runAdminActivateCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "activate KEY [MONTHS]",
		Short: "Create or replace a key; omitted or 0 months makes it permanent",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			months := 0
			if len(args) == 2 {
				n, err := parseCount("months", args[1])
				if err != nil {
					return err
				}
				months = n
			}
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			res, err := c.Activate(cmd.Context(), args[0], months)
			if err != nil {
				return err
			}
			cmd.Printf("Activated %s, expiry %s\n", res.Key, res.Expiry)
			return nil
		},
	}
}

func runAdminKeyCommand(flags *adminFlags, use, short string, call func(*licenseclient.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " KEY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			if err := call(c, cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("%s: %s done\n", strings.ToUpper(args[0]), use)
			return nil
		},
	}
}

func runAdminExtendCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "extend KEY MONTHS",
		Short: "Extend a key and set it active",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			months, err := parseCount("months", args[1])
			if err != nil {
				return err
			}
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			res, err := c.Extend(cmd.Context(), args[0], months)
			if err != nil {
				return err
			}
			cmd.Printf("Extended %s, expiry %s\n", res.Key, res.Expiry)
			return nil
		},
	}
}

func runAdminSuspendCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend KEY HOURS",
		Short: "Suspend a key for a number of hours",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hours, err := parseCount("hours", args[1])
			if err != nil {
				return err
			}
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			resume, err := c.Suspend(cmd.Context(), args[0], hours)
			if err != nil {
				return err
			}
			cmd.Printf("Suspended %s until %s\n", strings.ToUpper(args[0]), resume)
			return nil
		},
	}
}

func runAdminCheckCommand(flags *adminFlags) *cobra.Command {
	var (
		fp    licenseclient.Fingerprint
		file  string
		appID string
	)

	cmd := &cobra.Command{
		Use:   "check KEY",
		Short: "Check a key the way protected software does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				local, err := licenseclient.NewFingerprint(appID, file)
				if err != nil {
					return err
				}
				fp = local
			}
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			res, err := c.Check(cmd.Context(), args[0], fp)
			var blocked *licenseclient.BlockedError
			if errors.As(err, &blocked) {
				cmd.Printf("%s: blocked (%s)\n", strings.ToUpper(args[0]), blocked.Message)
				return nil
			}
			if err != nil {
				return err
			}
			if !res.Found {
				cmd.Printf("%s: not found\n", strings.ToUpper(args[0]))
				return nil
			}
			cmd.Printf("%s: %s, expiry %s, months %d, registered %t\n",
				strings.ToUpper(args[0]), res.Status, res.Expiry, res.Months, res.Registered)
			if res.Resume != "" {
				cmd.Printf("  resumes %s\n", res.Resume)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fp.DeviceID, "device", "", "Device id to present")
	cmd.Flags().StringVar(&fp.FilePath, "path", "", "File path to present")
	cmd.Flags().StringVar(&fp.FileHash, "hash", "", "File hash to present")
	cmd.Flags().StringVar(&file, "file", "", "Fingerprint this machine and file instead")
	cmd.Flags().StringVar(&appID, "app-id", "server5", "Application id used to derive the device id with --file")
	return cmd
}

func runAdminListCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			keys, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				cmd.Printf("%-20s %-10s %-25s registered=%t\n", k.Key, k.Status, k.Expiry, k.Registered)
			}
			cmd.Printf("Total: %d\n", len(keys))
			return nil
		},
	}
}

func runAdminStatsCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show key counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client(cmd)
			if err != nil {
				return err
			}
			s, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Total: %d\nActive: %d\nSuspended: %d\nInactive: %d\n",
				s.TotalKeys, s.ActiveKeys, s.SuspendedKeys, s.InactiveKeys)
			return nil
		},
	}
}
