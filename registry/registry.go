package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoInstances is returned by Discover when nothing is registered for a service.
var ErrNoInstances = errors.New("no instances registered")

// DefaultService is the name driver instances register under.
const DefaultService = "uscope-driver"

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
