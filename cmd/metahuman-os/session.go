package main

import (
	"context"
	"fmt"

	"github.com/metahuman/metahuman-os/control-plane/pkg/server"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "create or inspect sessions without going through HTTP",
	}
	cmd.AddCommand(newSessionLoginCmd())
	return cmd
}

func newSessionLoginCmd() *cobra.Command {
	var password string
	c := &cobra.Command{
		Use:   "login USERNAME",
		Short: "authenticate and print a session id usable as the mh_session cookie value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			u, err := srv.Identity.Authenticate(ctx, args[0], password)
			if err != nil {
				return err
			}
			sess, err := srv.Identity.CreateSession(ctx, u.ID, u.Role, "metahuman-os-cli", "")
			if err != nil {
				return err
			}
			fmt.Println(sess.ID)
			return nil
		},
	}
	c.Flags().StringVar(&password, "password", "", "account password (required)")
	_ = c.MarkFlagRequired("password")
	return c
}
