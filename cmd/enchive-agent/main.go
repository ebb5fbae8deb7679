// Command enchive-agent is the detached key-agent process spawned by
// enchive after a passphrase unwrap (spec.md §4.4). It is not meant to be
// run by hand: enchive starts it with --serve/--timeout and pipes the
// 32-byte ProtectionKey over stdin.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/enchive-go/enchive/internal/agent"
	"github.com/enchive-go/enchive/internal/logging"
	"github.com/enchive-go/enchive/internal/metrics"
)

func main() {
	var (
		serveAddr   string
		timeoutStr  string
		logLevel    string
		logFormat   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:           "enchive-agent",
		Short:         "Internal key-agent process spawned by enchive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				return fmt.Errorf("enchive-agent: --serve is required")
			}
			timeout, err := time.ParseDuration(timeoutStr)
			if err != nil {
				return fmt.Errorf("enchive-agent: invalid --timeout %q: %w", timeoutStr, err)
			}

			key, err := agent.ReadKeyFromStdin()
			if err != nil {
				return err
			}

			logger := logging.NewLogger(logLevel, logFormat)

			var m *metrics.Metrics
			if metricsAddr != "" {
				m = metrics.Default()
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if serr := srv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
						logger.Warn("metrics server stopped", "error", serr)
					}
				}()
				defer srv.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return agent.Serve(ctx, serveAddr, key, timeout, logger, m)
		},
	}

	cmd.Flags().StringVar(&serveAddr, "serve", "", "Unix socket address to listen on")
	cmd.Flags().StringVar(&timeoutStr, "timeout", "30s", "idle timeout before exiting")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "enchive-agent: %s\n", err)
		os.Exit(1)
	}
}
