package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the control plane HTTP/SSE server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			srv, err := server.New(ctx)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}

			httpServer := &http.Server{
				Addr:         fmt.Sprintf(":%d", srv.Port),
				Handler:      srv.Handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
				<-sigChan
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info().Int("port", srv.Port).Msg("listening")
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}
