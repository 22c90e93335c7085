package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/sessionguard/internal/client/connectivity"
	"github.com/iudanet/sessionguard/internal/client/metrics"
	"github.com/iudanet/sessionguard/internal/client/session"
)

func (c *Cli) watchCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session fresh and replay the queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.watch(ctx, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func (c *Cli) watch(ctx context.Context, metricsAddr string) error {
	// Подписки до Start, чтобы увидеть первый замер
	unsubscribe := c.app.Monitor.Subscribe(func(s connectivity.Snapshot) {
		if s == (connectivity.Snapshot{}) {
			return
		}
		c.io.Printf("[%s] connectivity: online=%t type=%s\n", time.Now().Format(time.TimeOnly), s.IsOnline(), s.Kind())
	})
	defer unsubscribe()

	remove := c.app.Store.OnChange(func(st session.State) {
		switch {
		case st.Credential == nil:
			c.io.Printf("[%s] session ended (%s)\n", time.Now().Format(time.TimeOnly), st.LastError)
		case st.IsAuthenticated:
			c.io.Printf("[%s] session valid until %s\n", time.Now().Format(time.TimeOnly), st.Credential.ExpiresAt.Format(time.RFC3339))
		}
	})
	defer remove()

	if err := c.start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if metricsAddr != "" {
		srv = &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.HandlerFor(c.app.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			c.logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	c.io.Println("Watching. Press Ctrl+C to stop.")
	<-ctx.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	c.io.Println("Stopped.")
	return nil
}
