package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/internal/training"
	"github.com/metahuman/metahuman-os/control-plane/pkg/server"
	"github.com/spf13/cobra"
)

func newAdaptersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "run and inspect the full training cycle",
	}
	cmd.AddCommand(newAdaptersStartCmd(), newAdaptersCancelCmd())
	return cmd
}

func newAdaptersStartCmd() *cobra.Command {
	var date, notes string
	var autoApprove, dryRun, dualAdapter bool
	c := &cobra.Command{
		Use:   "start USERNAME",
		Short: "start a full-cycle training run (build, approve, train, evaluate, activate)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			u, err := srv.Identity.GetUserByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			err = srv.Orchestrator.Start(ctx, u, date, training.Options{
				AutoApprove: autoApprove,
				DryRun:      dryRun,
				ApprovedBy:  u.Username,
				Notes:       notes,
				DualAdapter: dualAdapter,
			})
			if err != nil {
				return err
			}
			fmt.Println("full cycle started")
			return nil
		},
	}
	c.Flags().StringVar(&date, "date", "", "dataset date, defaults to today (YYYY-MM-DD)")
	c.Flags().StringVar(&notes, "notes", "", "approval notes")
	c.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the manual approval gate")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "never auto-approve: wait for a manual approved.json even with --auto-approve")
	c.Flags().BoolVar(&dualAdapter, "dual-adapter", false, "activate with the historical merged adapter plus the new one")
	return c
}

func newAdaptersCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel USERNAME",
		Short: "cancel a running full-cycle for a user, killing its child processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			u, err := srv.Identity.GetUserByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			pids := srv.Orchestrator.Cancel(u)
			if len(pids) == 0 {
				return apierr.New(apierr.NotFound, "no running full-cycle for user")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"killedPids": pids})
		},
	}
}
