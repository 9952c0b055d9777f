package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyvault/skyvault/internal/metrics"
	"github.com/skyvault/skyvault/internal/svc"
	"github.com/skyvault/skyvault/pkg/bytesize"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show blob store and volume statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				st, err := a.blobs.Stats(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Blobs:       %d\n", st.Blobs)
				fmt.Fprintf(out, "Stored:      %s\n", bytesize.Format(st.StoredBytes))
				fmt.Fprintf(out, "References:  %d\n\n", st.References)

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "VOLUME\tTOTAL\tAVAILABLE\tSTATUS")
				for _, v := range st.Volumes {
					status := "ok"
					if v.Err != "" {
						status = v.Err
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Path,
						bytesize.Format(v.TotalBytes), bytesize.Format(v.AvailableBytes), status)
				}
				return w.Flush()
			})
		},
	}
}

func newQuotaCmd() *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Show or set the owner's storage quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				st, err := a.drive.Usage(cmd.Context(), ownerID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Owner:      %d\n", st.Owner)
				fmt.Fprintf(out, "Used:       %s\n", bytesize.Format(st.UsedBytes))
				if st.TotalBytes == 0 {
					fmt.Fprintln(out, "Total:      unlimited")
					return nil
				}
				fmt.Fprintf(out, "Total:      %s\n", bytesize.Format(st.TotalBytes))
				fmt.Fprintf(out, "Available:  %s\n", bytesize.Format(st.AvailableBytes))
				return nil
			})
		},
	}

	quotaCmd.AddCommand(&cobra.Command{
		Use:   "set <size>",
		Short: "Set the owner's total allowance (0 for unlimited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := bytesize.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid size: %w", err)
			}
			return withApp(func(a *app) error {
				if err := a.drive.SetQuota(cmd.Context(), ownerID, total); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Quota for owner %d set to %s.\n", ownerID, bytesize.Format(total))
				return nil
			})
		},
	})

	return quotaCmd
}

func newSweepCmd() *cobra.Command {
	var (
		interval      time.Duration
		metricsListen string
		serviceRun    string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Discard stale chunk sessions and purge expired trash",
		Long: `Discard chunk sessions idle for longer than upload.session_ttl and purge
trash older than trash.retention_days for every owner.

With --interval the sweep repeats until interrupted, optionally serving
Prometheus metrics on --metrics-listen. 'skyvault service install' runs
this command under the system service manager.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				listen := metricsListen
				if listen == "" {
					listen = a.cfg.Metrics.Listen
				}
				run := func(ctx context.Context) error {
					return serveSweeps(ctx, a, interval, listen)
				}

				if serviceRun != "" {
					return svc.Run(&svc.Program{Run: run}, &svc.ServiceConfig{Name: serviceRun})
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return run(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the sweep at this interval (0 runs once)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address for the /metrics endpoint (overrides metrics.listen)")
	cmd.Flags().StringVar(&serviceRun, "service-run", "", "run under the service manager with this service name (internal use)")
	_ = cmd.Flags().MarkHidden("service-run")
	return cmd
}

// serveSweeps runs the sweep loop, serving metrics on listen while it runs.
func serveSweeps(ctx context.Context, a *app, interval time.Duration, listen string) error {
	if listen != "" {
		srv := &http.Server{Addr: listen, Handler: metricsMux(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", listen).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("listen", listen).Msg("serving metrics")
	}
	return runSweeps(ctx, a, interval)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// runSweeps runs one sweep, then repeats every interval until ctx is done.
func runSweeps(ctx context.Context, a *app, interval time.Duration) error {
	sweep := func() error {
		start := time.Now()
		rep, err := a.drive.Sweep(ctx, a.cfg.SessionTTL())
		log.Info().
			Int("sessions", rep.Sessions).
			Int("purged_nodes", rep.PurgedNodes).
			Str("freed", bytesize.Format(rep.FreedBytes)).
			Dur("took", time.Since(start)).
			Msg("sweep finished")
		return err
	}

	if err := sweep(); err != nil || interval <= 0 {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sweep(); err != nil {
				log.Warn().Err(err).Msg("sweep failed")
			}
		}
	}
}
