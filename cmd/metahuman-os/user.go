package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	"github.com/metahuman/metahuman-os/control-plane/pkg/server"
	"github.com/spf13/cobra"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "manage local users",
	}
	cmd.AddCommand(newUserCreateCmd(), newUserListCmd(), newUserDeleteCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var password, displayName, email string
	c := &cobra.Command{
		Use:   "create USERNAME",
		Short: "create a user (the first user created becomes owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			u, err := srv.Identity.CreateUser(ctx, args[0], password, models.UserMetadata{
				DisplayName: displayName,
				Email:       email,
			})
			if err != nil {
				return err
			}
			codes, err := srv.Identity.GenerateRecoveryCodes(ctx, u)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"user":          u,
				"recoveryCodes": codes,
			})
		},
	}
	c.Flags().StringVar(&password, "password", "", "account password (required)")
	c.Flags().StringVar(&displayName, "display-name", "", "display name")
	c.Flags().StringVar(&email, "email", "", "contact email")
	_ = c.MarkFlagRequired("password")
	return c
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list local users",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			users, err := srv.Identity.ListUsers(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(users)
		},
	}
}

func newUserDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete USER_ID",
		Short: "delete a user and its profile directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.NewForCLI(ctx)
			if err != nil {
				return err
			}
			if err := srv.Identity.DeleteUser(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}
