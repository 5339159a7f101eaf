package main

import (
	"context"
	"fmt"

	"github.com/metahuman/metahuman-os/control-plane/internal/crypto"
	"github.com/metahuman/metahuman-os/control-plane/pkg/server"
	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "encrypt or decrypt a user's profile at rest",
	}
	cmd.AddCommand(newProfileEncryptCmd(), newProfileDecryptCmd())
	return cmd
}

func newProfileEncryptCmd() *cobra.Command {
	var password string
	c := &cobra.Command{
		Use:   "encrypt USERNAME",
		Short: "encrypt every regular file under the user's memory, persona and etc subtrees in place",
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
			progress := make(chan crypto.ProgressEvent, 8)
			done := make(chan error, 1)
			go func() { done <- crypto.EncryptProfile(srv.Router.ProfileRootFor(u), password, progress) }()
			go func() {
				for ev := range progress {
					fmt.Printf("[%s] %s %d%%\n", ev.Step, ev.Status, ev.ProgressPct)
				}
			}()
			err = <-done
			close(progress)
			if err != nil {
				return err
			}
			srv.KeyCache.Lock(u.ID)
			fmt.Println("encrypted")
			return nil
		},
	}
	c.Flags().StringVar(&password, "password", "", "encryption password (required)")
	_ = c.MarkFlagRequired("password")
	return c
}

func newProfileDecryptCmd() *cobra.Command {
	var password string
	c := &cobra.Command{
		Use:   "decrypt USERNAME",
		Short: "decrypt every encrypted file under the user's memory, persona and etc subtrees in place",
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
			progress := make(chan crypto.ProgressEvent, 8)
			done := make(chan error, 1)
			go func() { done <- crypto.DecryptProfile(srv.Router.ProfileRootFor(u), password, progress) }()
			go func() {
				for ev := range progress {
					fmt.Printf("[%s] %s %d%%\n", ev.Step, ev.Status, ev.ProgressPct)
				}
			}()
			err = <-done
			close(progress)
			if err != nil {
				return err
			}
			fmt.Println("decrypted")
			return nil
		},
	}
	c.Flags().StringVar(&password, "password", "", "decryption password (required)")
	_ = c.MarkFlagRequired("password")
	return c
}
