package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hengadev/phisafe"
	"github.com/hengadev/phisafe/internal/audit"
)

func auditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and maintain the audit trail",
	}
	cmd.AddCommand(auditHistoryCmd(a), auditSuspiciousCmd(a), auditPurgeCmd(a))
	return cmd
}

func auditHistoryCmd(a *app) *cobra.Command {
	var (
		f        phisafe.AuditFilter
		typ, op  string
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List audit events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Type = audit.EventType(typ)
			f.Operation = audit.Operation(op)
			var err error
			if f.From, err = parseTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if f.To, err = parseTime(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				page, err := svc.AuditHistory(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd, page)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.UserID, "user", "", "filter by user id")
	fl.StringVar(&f.ResourceType, "resource-type", "", "filter by resource type")
	fl.StringVar(&f.ResourceID, "resource-id", "", "filter by resource id")
	fl.StringVar(&typ, "type", "", "filter by event type (ENCRYPTION_OPERATION, PHI_ACCESS, SECURITY_EVENT)")
	fl.StringVar(&op, "operation", "", "filter by operation")
	fl.StringVar(&from, "from", "", "earliest timestamp, RFC 3339")
	fl.StringVar(&to, "to", "", "latest timestamp, RFC 3339")
	fl.IntVar(&f.Limit, "limit", audit.DefaultPageLimit, "page size")
	fl.IntVar(&f.Offset, "offset", 0, "events to skip")
	return cmd
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func auditSuspiciousCmd(a *app) *cobra.Command {
	var (
		user   string
		window int
	)
	cmd := &cobra.Command{
		Use:   "suspicious",
		Short: "Evaluate suspicious activity rules for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				findings, err := svc.DetectSuspiciousActivity(ctx, user, window)
				if err != nil {
					return err
				}
				if findings == nil {
					findings = []phisafe.Finding{}
				}
				return printJSON(cmd, findings)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to evaluate")
	cmd.Flags().IntVar(&window, "window", 60, "window in minutes")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func auditPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete audit events older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				n, err := svc.PurgeExpiredAudit(ctx)
				if err != nil {
					return err
				}
				a.logger.Info().Int("deleted", n).Msg("audit retention purge finished")
				return printJSON(cmd, map[string]int{"deleted": n})
			})
		},
	}
}
