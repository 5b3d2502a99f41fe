package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChrisGriffithPSU/research-agent/health"
	"github.com/ChrisGriffithPSU/research-agent/internal/config"
	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/messaging"
	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// errUnhealthy makes the health command exit non-zero.
var errUnhealthy = errors.New("system is unhealthy")

// app carries what every command needs to build a client.
type app struct {
	load    func() (config.Config, error)
	dialer  rabbitmq.Dialer
	stderr  io.Writer
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{load: config.Load, stderr: os.Stderr}
	if err := a.rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "msgctl",
		Short: "Operate the research pipeline's RabbitMQ messaging",
		Long: `msgctl declares the pipeline topology, inspects queue depths, purges queues,
publishes test messages and serves the health and metrics endpoints.
Connection settings come from the RABBITMQ_* environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		a.setupCmd(),
		a.queuesCmd(),
		a.purgeCmd(),
		a.healthCmd(),
		a.publishCmd(),
		a.serveCmd(),
	)
	return rootCmd
}

// connect loads the configuration and builds a connected client.
func (a *app) connect(ctx context.Context) (*messaging.Client, config.Config, error) {
	cfg, err := a.load()
	if err != nil {
		return nil, cfg, err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	logger := config.NewLogger(cfg.Log, a.stderr)
	slog.SetDefault(logger)

	opts := []messaging.ClientOption{messaging.WithLogger(logger)}
	if a.dialer != nil {
		opts = append(opts, messaging.WithDialer(a.dialer))
	}
	client, err := messaging.NewClient(ctx, cfg, opts...)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to connect: %w", err)
	}
	return client, cfg, nil
}

func (a *app) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Declare exchanges, queues, dead-letter queues and bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.SetupTopology(cmd.Context()); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}

			topo := client.Topology()
			fmt.Fprintf(cmd.OutOrStdout(), "Declared %d queues on exchange %s (dead letters: %s)\n",
				len(topo.Queues()), topo.Exchange(), topo.DeadLetterExchange())
			return nil
		},
	}
}

func (a *app) queuesCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show queue and dead-letter queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			topo := client.Topology()

			if !watch {
				depths, err := topo.QueueDepths(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read queue depths: %w", err)
				}
				printDepths(out, topo.Queues(), depths)
				return nil
			}

			watcher := monitor.NewQueueWatcher(topo, client.Collector(), interval)
			fmt.Fprintln(out, "Watching queue depths... Press Ctrl+C to stop")
			err = watcher.Watch(cmd.Context(), func(depths map[string]int) {
				fmt.Fprintf(out, "\n%s\n", time.Now().Format(time.RFC3339))
				printDepths(out, topo.Queues(), depths)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep sampling until interrupted")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Sampling interval with --watch")
	return cmd
}

func (a *app) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete every ready message of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.Connection().Purge(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d messages from %s\n", n, args[0])
			return nil
		},
	}
}

func (a *app) healthCmd() *cobra.Command {
	var quick bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run the health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			if quick {
				if !client.Health().QuickCheck(cmd.Context()) {
					fmt.Fprintln(out, "not ready")
					return errUnhealthy
				}
				fmt.Fprintln(out, "ready")
				return nil
			}

			report := client.Health().Check(cmd.Context())
			printReport(out, report)
			if report.Status == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quick, "quick", "q", false, "Only ping the connection")
	return cmd
}

func (a *app) publishCmd() *cobra.Command {
	var correlationID string

	cmd := &cobra.Command{
		Use:   "publish <routing-key> <json-payload>",
		Short: "Publish one message to the primary exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var opts []messaging.EnvelopeOption
			if correlationID != "" {
				opts = append(opts, messaging.WithCorrelationID(correlationID))
			}

			env, err := client.Publish(cmd.Context(), json.RawMessage(args[1]), args[0], opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s to %s\n", env.CorrelationID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id instead of a generated one")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var (
		interval time.Duration
		setup    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /health and /metrics while sampling queue depths and health status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, cfg, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if setup {
				if err := client.SetupTopology(ctx); err != nil {
					return fmt.Errorf("failed to declare topology: %w", err)
				}
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				monitor.NewExporter(client.Collector()),
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			mux := http.NewServeMux()
			health.Mount(mux, client.Health(), 10*time.Second)
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

			server := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			watcher := monitor.NewQueueWatcher(client.Topology(), client.Collector(), interval)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("serving health and metrics", "addr", cfg.HTTP.Addr)
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				err := watcher.Watch(gctx, recordHealth(gctx, client))
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 15*time.Second, "Queue depth sampling interval")
	cmd.Flags().BoolVar(&setup, "setup", false, "Declare the topology before serving")
	return cmd
}

// recordHealth runs the health checks after each depth sample and keeps the
// status gauge current for /metrics.
func recordHealth(ctx context.Context, client *messaging.Client) func(map[string]int) {
	return func(map[string]int) {
		health.RecordStatus(client.Collector(), client.Health().Check(ctx).Status)
	}
}

// Output formatting functions

func printDepths(w io.Writer, queues []rabbitmq.QueueDescriptor, depths map[string]int) {
	fmt.Fprintf(w, "%-32s %-10s %-10s %-10s\n", "Queue", "Messages", "Max", "DLQ")
	fmt.Fprintln(w, strings.Repeat("-", 66))

	for _, q := range queues {
		fmt.Fprintf(w, "%-32s %-10s %-10d %-10s\n",
			truncate(q.Name, 32),
			depthString(depths, q.Name),
			q.MaxLength,
			depthString(depths, q.DeadLetterQueue()))
	}
}

func depthString(depths map[string]int, name string) string {
	n, ok := depths[name]
	if !ok || n < 0 {
		return "missing"
	}
	return fmt.Sprint(n)
}

func printReport(w io.Writer, report health.Report) {
	fmt.Fprintf(w, "System Health: %s (%s)\n", report.Status, report.Duration.Round(time.Millisecond))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	for _, name := range names {
		check := report.Checks[name]
		fmt.Fprintf(w, "  %-16s %-10s %s\n", name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(w, "  %-16s %-10s error: %s\n", "", "", check.Error)
		}
	}

	if len(report.Metrics) > 0 {
		keys := make([]string, 0, len(report.Metrics))
		for k := range report.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(w, "\nMetrics:\n")
		for _, k := range keys {
			fmt.Fprintf(w, "  %-16s %v\n", k, report.Metrics[k])
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
