package client

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"uscope-rpc/config"
	"uscope-rpc/loadbalance"
	"uscope-rpc/middleware"
	"uscope-rpc/registry"
	"uscope-rpc/transport"
)

// FromConfig builds a client wired the way cfg describes. registerer may be nil to skip
// metrics. The returned close function releases the registry connection, if any.
//
// Middleware order, outermost first: logging, metrics, command timeout, retry, rate limit.
func FromConfig(cfg *config.Config, logger *zap.Logger, registerer prometheus.Registerer) (*Client, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	closer := func() error { return nil }

	opts := []Option{
		WithLogger(logger),
		WithTransport(transport.NewTransport(cfg.TransportTimeouts(),
			transport.WithLogger(logger.Named("transport")),
			transport.WithMaxResponseSize(cfg.Driver.MaxResponseSize))),
	}

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if reg != nil {
		balancer, err := loadbalance.New(cfg.Discovery.Balancer, cfg.Discovery.HashKey)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithRegistry(reg, cfg.Discovery.Service, balancer))
		if etcd, ok := reg.(*registry.EtcdRegistry); ok {
			closer = etcd.Close
		}
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if registerer != nil {
		metrics, err := middleware.NewMetrics(registerer)
		if err != nil {
			closer()
			return nil, nil, errors.Wrap(err, "Failed to register metrics")
		}
		mws = append(mws, metrics.Middleware())
	}
	if cfg.Timeouts.Command > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Timeouts.Command))
	}
	if cfg.Retry.Attempts > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Retry.Attempts, cfg.Retry.BaseDelay, logger))
	}
	if cfg.Limits.Rate > 0 {
		if cfg.Limits.Wait {
			mws = append(mws, middleware.RateLimitWaitMiddleware(cfg.Limits.Rate, cfg.Limits.Burst))
		} else {
			mws = append(mws, middleware.RateLimitMiddleware(cfg.Limits.Rate, cfg.Limits.Burst))
		}
	}
	opts = append(opts, WithMiddleware(mws...))

	return New(cfg.Address(), opts...), closer, nil
}

func buildRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, error) {
	switch {
	case len(cfg.Discovery.EtcdEndpoints) > 0:
		reg, err := registry.NewEtcdRegistry(cfg.Discovery.EtcdEndpoints, cfg.Discovery.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	case len(cfg.Discovery.Instances) > 0:
		reg := registry.NewStaticRegistry()
		for _, addr := range cfg.Discovery.Instances {
			if err := reg.Register(context.Background(), cfg.Discovery.Service, registry.ServiceInstance{Addr: addr, Weight: 1}, 0); err != nil {
				return nil, err
			}
		}
		return reg, nil
	}
	return nil, nil
}
