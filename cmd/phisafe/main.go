// Command phisafe operates a PHI protection deployment: key lifecycle,
// audit queries, compliance reports and the read-only operations API.
//
// Configuration comes from PHISAFE_* environment variables, optionally
// loaded from a .env file in the working directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hengadev/phisafe"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	envFile string
	actor   string
	logger  zerolog.Logger
	cfg     phisafe.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "phisafe",
		Short:         "Operate PHI field encryption, audit and compliance",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading PHISAFE_* variables")
	root.PersistentFlags().StringVar(&a.actor, "actor", os.Getenv("USER"), "user id recorded on audit events")

	root.AddCommand(keysCmd(a), auditCmd(a), complianceCmd(a), serveCmd(a))
	return root
}

func (a *app) load(logOut io.Writer) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	cfg, err := phisafe.LoadConfigFromEnvironment()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	return nil
}

// newLogger writes JSON lines, or human readable output for "console".
// Level and format are validated with the config.
func newLogger(w io.Writer, level, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	logger := zerolog.New(w).With().Timestamp().Str("service", "phisafe").Logger()
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		logger = logger.Level(lvl)
	}
	return logger
}

// run opens the service for the duration of fn. Every audit event written
// by fn is attributed to the --actor user.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, svc *phisafe.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.actor != "" {
		ctx = phisafe.WithActor(ctx, phisafe.Actor{UserID: a.actor})
	}

	svc, err := phisafe.New(ctx, a.cfg, phisafe.WithLogger(a.logger))
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to start phisafe")
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("failed to close phisafe")
		}
	}()
	return fn(ctx, svc)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
