package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/strategyd/internal/api"
	"github.com/sells-group/strategyd/internal/delivery"
	"github.com/sells-group/strategyd/internal/intake"
	"github.com/sells-group/strategyd/internal/monitoring"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/pipeline"
	"github.com/sells-group/strategyd/internal/supervisor"
)

var (
	servePort            int
	serveSuperviseWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and delivery hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		strategist, briefer := newStages(env.Deps)
		orch := pipeline.New(env.Store, strategist, briefer, env.Publisher, env.Retry)
		svc := intake.New(env.Store, orch).WithPublisher(env.Publisher)
		hub := delivery.NewHub(env.Store, time.Duration(cfg.Delivery.FallbackTimeoutSecs)*time.Second)

		handler := api.NewRouter(api.Deps{
			Intake:      svc,
			Hub:         hub,
			Calls:       env.Reporter(),
			Health:      env.DB,
			Breakers:    env.Breakers,
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		collector := monitoring.NewCollector(env.Store, env.Reporter(), time.Duration(cfg.Monitoring.StuckAfterMins)*time.Minute).
			WithCircuits(env.Breakers)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := hub.Run(gctx, notify.ManagerDialer(env.DB), listenerOptions(cfg.Worker)); err != nil && !errors.Is(err, context.Canceled) {
				return eris.Wrap(err, "delivery hub")
			}
			return nil
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		if serveSuperviseWorker {
			g.Go(func() error {
				// The API keeps serving without a worker; the sweep of any
				// later worker picks up what was missed.
				if err := superviseWorker(gctx); err != nil {
					zap.L().Error("worker supervisor stopped", zap.Error(err))
				}
				return nil
			})
		}
		g.Go(func() error {
			return startServer(gctx, handler, resolvePort(servePort, cfg.Server.Port))
		})

		err = g.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := orch.Shutdown(shutdownCtx); serr != nil {
			zap.L().Warn("pipeline runs still in flight at shutdown", zap.Error(serr))
		}
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveSuperviseWorker, "supervise-worker", false, "also run and restart a worker process")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort returns the flag port when set, otherwise the config port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is done, then shuts down.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// superviseWorker runs `strategyd worker` under the supervisor.
func superviseWorker(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return eris.Wrap(err, "resolve executable")
	}
	args := append([]string{"worker"}, inheritedFlags()...)
	s := supervisor.New(supervisor.ExecSpawner(exe, args...), supervisorOptions())
	return s.Run(ctx)
}

func supervisorOptions() supervisor.Options {
	return supervisor.Options{
		RestartDelay: time.Duration(cfg.Supervisor.RestartDelaySecs) * time.Second,
		MaxRestarts:  cfg.Supervisor.MaxRestarts,
		TailBytes:    cfg.Supervisor.TailBytes,
	}
}
