package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/metahuman/metahuman-os/control-plane/pkg/server"
	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "inspect and control scheduled agents",
	}
	cmd.AddCommand(newAgentsListCmd(), newAgentsStopAllCmd(), newAgentsReconcileCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	var user string
	c := &cobra.Command{
		Use:   "list",
		Short: "list agent records (all users, or one with --user)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			var records interface{}
			if user != "" {
				records = srv.Registry.ListForUser(user)
			} else {
				records = srv.Registry.All()
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	c.Flags().StringVar(&user, "user", "", "restrict to a single user id")
	return c
}

func newAgentsStopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "stop every running agent process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			srv.Registry.StopAllAgents(srv.Executor, func(user, name string, exitCode int) {
				fmt.Printf("stopped %s/%s (exit %d)\n", user, name, exitCode)
			})
			return nil
		},
	}
}

func newAgentsReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile USER_ID",
		Short: "force the scheduler to re-evaluate one user's agent config immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			return srv.Scheduler.ForceReconcile(ctx, args[0])
		},
	}
}
