package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hengadev/phisafe"
)

func keysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and manage the master key",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show key version, age and rotation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				return printJSON(cmd, svc.KeyInfo())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Install a new master key, keeping the old one for decryption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				info, err := svc.RotateKey(ctx)
				if err != nil {
					return err
				}
				a.logger.Info().Int("version", info.Version).Msg("master key rotated")
				return printJSON(cmd, info)
			})
		},
	})

	var label string
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Write a keyring backup artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				location, err := svc.BackupKeys(ctx, label)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"location": location})
			})
		},
	}
	backup.Flags().StringVar(&label, "label", "manual", "label embedded in the backup name")
	cmd.AddCommand(backup)

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <location>",
		Short: "Replace the keyring from a backup artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				if err := svc.RestoreKeys(ctx, args[0]); err != nil {
					return err
				}
				return printJSON(cmd, svc.KeyInfo())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list-backups",
		Short: "List backup artifacts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				backups, err := svc.ListBackups(ctx)
				if err != nil {
					return err
				}
				if backups == nil {
					backups = []phisafe.BackupInfo{}
				}
				return printJSON(cmd, backups)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "derive-check <purpose>",
		Aliases: []string{"fingerprint"},
		Short:   "Print a fingerprint of the key derived for purpose",
		Long:    "Derives the purpose key from the current master key and prints a short SHA-256 fingerprint, so two deployments can confirm they share keys.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				fp, err := svc.DeriveKeyFingerprint(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"purpose": args[0], "fingerprint": fp})
			})
		},
	})

	return cmd
}
