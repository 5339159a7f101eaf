package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	"github.com/metahuman/metahuman-os/control-plane/pkg/server"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	var actor, category, since string
	var limit int
	c := &cobra.Command{
		Use:   "audit USERNAME",
		Short: "list a user's audit trail",
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
			filter := models.AuditFilter{
				Actor:    actor,
				Category: models.AuditCategory(category),
				Limit:    limit,
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return err
				}
				filter.Since = &t
			}
			events, err := srv.Audit.List(u, filter)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}
	c.Flags().StringVar(&actor, "actor", "", "filter by acting username")
	c.Flags().StringVar(&category, "category", "", "filter by audit category")
	c.Flags().StringVar(&since, "since", "", "only events at or after this RFC3339 timestamp")
	c.Flags().IntVar(&limit, "limit", 100, "maximum events returned")
	return c
}
