package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transithub/internal/app"
	"transithub/internal/server"
	"transithub/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var addr, basePath, owner string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the execution worker and lease sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, reg, err := openServing(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.Logger.Sync()
			cfg := a.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:     a.Engine,
				Aggregator: a.Aggregator,
				Executor:   a.Executor,
				BasePath:   basePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Server.JWTSecret,
					AllowActorHeader: cfg.Server.AllowActorHeader,
				},
				Logger:   a.Logger,
				Metrics:  a.Metrics,
				Gatherer: reg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				a.Logger.Info("serving hub API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("jwt", cfg.Server.JWTSecret != ""))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if noWorker {
				g.Go(func() error {
					worker.RunSweeper(ctx, a.Engine, cfg.SweepInterval(), a.Logger)
					return nil
				})
			} else {
				w := a.Worker(owner)
				g.Go(func() error { return w.Run(ctx) })
			}
			fmt.Printf("Serving hub API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().StringVar(&owner, "owner", "", "lease owner name for the embedded worker")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "only sweep expired leases; leave execution to separate workers")
	return cmd
}

func workerCmd() *cobra.Command {
	var owner string
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute pending transitions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := a.Worker(owner)
				if !once {
					return w.Run(ctx)
				}
				st, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("swept %d, completed %d, failed %d, skipped %d\n", st.Swept, st.Completed, st.Failed, st.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "lease owner name (defaults to config, then host-pid)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}
