package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/api"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
)

const shutdownGrace = 10 * time.Second

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume the ask queue and serve the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer func() {
				if err := client.Close(); err != nil {
					logger.Errorf("hrask: close: %v", err)
				}
				_ = logger.Sync()
			}()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			return serve(cmd.Context(), client, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin HTTP listen address (defaults to server.addr)")
	return cmd
}

func serve(ctx context.Context, client *hrask.HRClient, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consume(ctx, client)
	})

	if addr != "" {
		srv := api.NewServer(addr, client)
		g.Go(func() error {
			logger.Infof("hrask: admin API listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// consume runs the queue loop and reconnects with backoff whenever the
// transport fails. It returns nil once ctx is cancelled.
func consume(ctx context.Context, client *hrask.HRClient) error {
	err := retry.Do(
		func() error {
			return client.Run(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(errs.IsTransport),
		retry.OnRetry(func(n uint, err error) {
			logger.Errorf("hrask: queue unavailable (attempt %d): %v", n+1, err)
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
