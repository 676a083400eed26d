package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/titan-data/titan/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run operations and the reaper in the foreground",
	Long: `Hold the data directory, resume operations interrupted by an earlier
process and run the reaper until interrupted. When metrics are enabled in
titan.yaml a Prometheus /metrics endpoint is served on metrics.address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, tracking)
		if err != nil {
			return err
		}
		defer a.Close()
		a.log.Info("titan serving", map[string]any{"data_dir": a.cfg.DataDir, "context": a.locator.Context.Provider()})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := a.locator.Reaper.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		if a.cfg.Metrics.Enabled {
			g.Go(func() error {
				return serveMetrics(gctx, a.cfg.Metrics.Address, a.locator.Metrics)
			})
		}

		err = g.Wait()
		a.log.Info("titan stopping")
		return err
	},
}

// serveMetrics serves the registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Destroy deleted volumes, commits and volume sets now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, exclusive)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.locator.Reaper.Drain(ctx)
		if err != nil {
			return err
		}
		return output(res, func() {
			printf("Reaper passes: %d\n", res.PassesExecuted)
			printf("  Volumes destroyed:     %d\n", res.Volumes)
			printf("  Commits destroyed:     %d\n", res.Commits)
			printf("  Volume sets destroyed: %d\n", res.VolumeSets)
			if res.Failures > 0 {
				printf("  Failures:              %d (retried on the next run)\n", res.Failures)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, reapCmd)
}
