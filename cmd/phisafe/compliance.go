package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hengadev/phisafe"
	"github.com/hengadev/phisafe/internal/compliance"
)

func complianceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Compliance reporting",
	}

	var (
		scope  string
		strict bool
	)
	report := &cobra.Command{
		Use:   "report",
		Short: "Scan key state and recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				r := svc.ComplianceReport(ctx, scope)
				if err := printJSON(cmd, r); err != nil {
					return err
				}
				if strict && r.OverallStatus != compliance.StatusPass {
					return fmt.Errorf("compliance status %s, risk %s", r.OverallStatus, r.RiskLevel)
				}
				return nil
			})
		},
	}
	report.Flags().StringVar(&scope, "scope", "cli", "scope name recorded on the report")
	report.Flags().BoolVar(&strict, "strict", false, "exit non-zero unless the report passes")
	cmd.AddCommand(report)
	return cmd
}
