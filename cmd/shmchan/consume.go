package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/internal/telemetry"
	"github.com/srediag/shmchan/pkg/channel"
	"github.com/srediag/shmchan/pkg/health"
)

func newConsumeCmd(o *options) *cobra.Command {
	var (
		out      string
		count    int
		timeout  time.Duration
		httpAddr string
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Receive payloads and write them to a file or stdout",
		Long: `consume waits for payloads and writes each one to --out (or stdout). It
stops after --count payloads (0 for no limit), after --timeout without a payload,
or on SIGINT/SIGTERM. With --http-addr it serves /metrics, /live and /ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := o.config(cmd)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			config.Metrics, err = telemetry.NewMetrics(reg, "shmchan")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := channel.NewConsumer(config)
			if err != nil {
				return err
			}
			defer c.Close()

			if httpAddr != "" {
				srv := newHTTPServer(httpAddr, reg, c.Dir())
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintln(cmd.ErrOrStderr(), "http:", err)
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return consumeLoop(ctx, c, w, count, timeout)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - or empty for stdout")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "payloads to receive, 0 for no limit")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after waiting this long for a payload, 0 to wait forever")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "serve /metrics, /live and /ready on this address")
	return cmd
}

func consumeLoop(ctx context.Context, c *channel.Consumer, w io.Writer, count int, timeout time.Duration) error {
	for i := 0; count == 0 || i < count; i++ {
		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		_, err := c.Wait(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := c.ReceiveTo(w); err != nil {
			return err
		}
	}
	return nil
}

func newHTTPServer(addr string, reg *prometheus.Registry, dir string) *http.Server {
	checks := health.NewHandler(health.Options{
		Dir:       dir,
		Endpoints: channel.Endpoints,
		Registry:  reg,
		Namespace: "shmchan",
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/live", checks)
	mux.Handle("/ready", checks)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
