// Package loadbalance picks the driver instance a command is sent to when more than one
// is registered.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances with different capacity
//   - ConsistentHash:  a client stays on the same instance while the set is stable
//     (the driver keeps capture state per instance)
package loadbalance

import (
	"github.com/pkg/errors"

	"uscope-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each command to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every command, must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by consistent_hash.
func New(name string, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}
