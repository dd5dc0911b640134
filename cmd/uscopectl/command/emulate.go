package command

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"uscope-rpc/middleware"
	"uscope-rpc/protocol"
	"uscope-rpc/registry"
	"uscope-rpc/server"
)

type emulateCommandeer struct {
	cmd             *cobra.Command
	rootCommandeer  *RootCommandeer
	listenAddress   string
	advertise       string
	ack             string
	metricsAddress  string
	shutdownTimeout time.Duration
}

func newEmulateCommandeer(rootCommandeer *RootCommandeer) *emulateCommandeer {
	commandeer := &emulateCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Run an emulated driver with an in-memory register file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(commandeer.ack) != protocol.AckSize {
				return errors.Errorf("--ack must be exactly %d bytes, got %q", protocol.AckSize, commandeer.ack)
			}

			if err := rootCommandeer.initialize(); err != nil {
				return errors.Wrap(err, "Failed to initialize root")
			}
			defer rootCommandeer.logger.Sync() // nolint: errcheck

			return commandeer.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&commandeer.listenAddress, "listen", "l", ":6666", "Address to accept driver commands on")
	cmd.Flags().StringVarP(&commandeer.advertise, "advertise", "", "", "Address registered in etcd (requires discovery.etcd_endpoints)")
	cmd.Flags().StringVarP(&commandeer.ack, "ack", "", "ok", "The 2 bytes sent after each request header")
	cmd.Flags().StringVarP(&commandeer.metricsAddress, "metrics", "m", "", "Serve Prometheus metrics on this address")
	cmd.Flags().DurationVarP(&commandeer.shutdownTimeout, "shutdown-timeout", "", 5*time.Second, "Time to wait for in-flight commands on exit")

	commandeer.cmd = cmd

	return commandeer
}

func (ec *emulateCommandeer) run(ctx context.Context) error {
	logger := ec.rootCommandeer.logger
	cfg := ec.rootCommandeer.config

	var ack [protocol.AckSize]byte
	copy(ack[:], ec.ack)

	svr := server.NewServer(server.WithLogger(logger.Named("server")), server.WithAck(ack))
	server.NewEmulator(logger.Named("emulator")).Register(svr)
	svr.Use(middleware.LoggingMiddleware(logger))

	if ec.metricsAddress != "" {
		metricRegistry := prometheus.NewRegistry()
		metrics, err := middleware.NewMetrics(metricRegistry)
		if err != nil {
			return errors.Wrap(err, "Failed to create metrics")
		}
		svr.Use(metrics.Middleware())

		metricServer := &http.Server{
			Addr:              ec.metricsAddress,
			Handler:           promhttp.HandlerFor(metricRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer metricServer.Close() // nolint: errcheck
		logger.Info("Serving metrics", zap.String("addr", ec.metricsAddress))
	}

	var reg registry.Registry
	if ec.advertise != "" {
		if len(cfg.Discovery.EtcdEndpoints) == 0 {
			return errors.New("--advertise requires discovery.etcd_endpoints in the configuration")
		}
		etcdRegistry, err := registry.NewEtcdRegistry(cfg.Discovery.EtcdEndpoints, cfg.Discovery.DialTimeout, logger.Named("etcd"))
		if err != nil {
			return errors.Wrap(err, "Failed to connect to etcd")
		}
		defer etcdRegistry.Close() // nolint: errcheck
		reg = etcdRegistry
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.Serve("tcp", ec.listenAddress, ec.advertise, reg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down", zap.Duration("timeout", ec.shutdownTimeout))
		if err := svr.Shutdown(ec.shutdownTimeout); err != nil {
			return err
		}
		return <-errCh
	}
}
