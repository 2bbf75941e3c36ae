package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/peerprobe/probe"
	"github.com/TheusHen/peerprobe/probe/metrics"
	"github.com/TheusHen/peerprobe/probe/service"
)

type serveOptions struct {
	listen      string
	grace       time.Duration
	maxConns    int64
	metricsAddr string
	secret      string
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve echo and ping until interrupted",
		Long: `Bind a QUIC endpoint and answer echo and ping connections.
The peer addresses printed on start can be passed to the ping and echo commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", ":0", "UDP address to listen on")
	cmd.Flags().DurationVar(&opts.grace, "grace", service.DefaultGracePeriod, "How long running handlers may finish on shutdown")
	cmd.Flags().Int64Var(&opts.maxConns, "max-conns", service.DefaultMaxConcurrent, "Maximum concurrently served connections")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "Hex encoded 32 byte identity seed (random when empty)")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, opts serveOptions) error {
	kp, err := keyPairFromFlag(opts.secret)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	reg := prometheus.NewRegistry()
	if opts.metricsAddr != "" {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	node, err := probe.NewNode(probe.Config{
		ListenAddr:    opts.listen,
		KeyPair:       kp,
		Logger:        a.log,
		Metrics:       m,
		GracePeriod:   opts.grace,
		MaxConcurrent: opts.maxConns,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "peer id: %s\n", node.PeerID())
	for _, info := range node.AddrInfos() {
		fmt.Fprintf(out, "address: %s\n", info)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Serve(ctx) })

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("serving metrics", zap.String("addr", opts.metricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.grace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	a.log.Info("shut down", zap.Error(err))
	return err
}
