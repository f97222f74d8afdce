package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/api"
	"github.com/voltx/vault-engine/internal/feed"
	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/payout"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, reconciler and change feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.reconciler.Run(ctx, cfg.Reconcile.Interval)
			if a.pool != nil {
				go feed.NewListener(a.pool, a.changes, log).Run(ctx)
			}

			handler := api.NewHandler(a.orders, a.positions, log)
			hub := api.NewWSHub(a.broker, a.store, log)
			srv := &http.Server{
				Addr: cfg.HTTP.Addr,
				Handler: api.NewRouter(handler, hub, api.RouterOptions{
					InternalToken:  cfg.HTTP.InternalToken,
					RequestTimeout: cfg.HTTP.WriteTimeout,
				}),
				ReadTimeout:  cfg.HTTP.ReadTimeout,
				WriteTimeout: cfg.HTTP.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				log.Info("vault-engine listening", zap.String("addr", cfg.HTTP.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			case <-ctx.Done():
			}

			log.Info("shutting down vault-engine")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("shutdown error", zap.Error(err))
			}
			return nil
		},
	}
}

func newReconcileCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Replay pending transfer intents once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.reconciler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Print the payout curve anchors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HOURS\tBREAKOUT %\tSTAY-IN %")
			breakout, err := payout.Schedule(model.PositionBreakout)
			if err != nil {
				return err
			}
			stayIn, err := payout.Schedule(model.PositionStayIn)
			if err != nil {
				return err
			}
			for i := range breakout {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", breakout[i].Hours, breakout[i].Percentage, stayIn[i].Percentage)
			}
			return tw.Flush()
		},
	}
}
