package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	es "github.com/terraskye/consistency"
	"github.com/terraskye/consistency/config"
	"github.com/terraskye/consistency/examples/user"
	"github.com/terraskye/consistency/otel"
)

type appBuilder func(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error)

// newRootCmd builds the command tree. The returned cleanup releases what
// build created and flushes telemetry; it is safe to call when no command
// ran.
func newRootCmd(build appBuilder) (*cobra.Command, func() error) {
	var (
		a        *app
		shutdown func(context.Context) error
	)
	cleanup := func() error {
		var errs []error
		if a != nil {
			errs = append(errs, a.Close())
		}
		if shutdown != nil {
			errs = append(errs, shutdown(context.Background()))
		}
		return errors.Join(errs...)
	}

	root := &cobra.Command{
		Use:           "userctl",
		Short:         "Manage users of the sample user domain",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("eventstore") {
				cfg.EventStore, _ = flags.GetString("eventstore")
			}
			if flags.Changed("keystore") {
				cfg.KeyStore, _ = flags.GetString("keystore")
			}
			if flags.Changed("log-level") {
				cfg.LogLevel, _ = flags.GetString("log-level")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := cfg.Logger()
			logger.SetOutput(cmd.ErrOrStderr())

			shutdown, err = otel.Setup(cmd.Context(), "userctl", cfg.OTelEndpoint)
			if err != nil {
				return fmt.Errorf("setup telemetry: %w", err)
			}
			a, err = build(cmd.Context(), cfg, logger)
			return err
		},
	}
	root.PersistentFlags().String("eventstore", config.EventStoreMemory, "event store backend (memory, disk, sqlite, nats, kurrentdb)")
	root.PersistentFlags().String("keystore", config.KeyStoreMemory, "key store backend (memory, sqlite, nats)")
	root.PersistentFlags().String("log-level", "info", "log level")

	dispatch := func(cmd *cobra.Command, cmds ...es.Command) (*es.Result, error) {
		return a.bus.Dispatch(cmd.Context(), cmds...)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "create <id> <email> <name>",
			Short: "Register a user and print the verification token",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := dispatch(cmd, user.NewCreateUser(args[0], args[1], args[2])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s, verification token: %s\n", args[0], a.tokens.Last())
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify <id> <token> <password>",
			Short: "Verify the email address and set the first password",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := dispatch(cmd, user.NewVerifyEmailAndSetPassword(args[0], args[1], args[2])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "verified %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "login <id> <password>",
			Short: "Attempt a login and print the outcome",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				login := user.NewLoginUser(args[0], args[1])
				result, err := dispatch(cmd, login)
				if err != nil {
					return err
				}
				outcome, err := es.ResultValue[user.LoginResult](result, login.CommandID())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "login %s: %s\n", args[0], outcome)
				return nil
			},
		},
		&cobra.Command{
			Use:   "change-name <id> <name>",
			Short: "Rename a verified user",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := dispatch(cmd, user.NewChangeName(args[0], args[1])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renamed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "lock <id>",
			Short: "Lock a user out until unlocked",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := dispatch(cmd, user.NewManualLock(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "unlock <id>",
			Short: "Lift a lockout",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := dispatch(cmd, user.NewManualUnlock(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "forget <id>",
			Short: "Destroy the encryption key of a user, erasing their personal data",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.keys.Destroy(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
				return nil
			},
		},
	)
	return root, cleanup
}
