package registry

import (
	"context"
	"sync"
)

// StaticRegistry keeps instances in memory. It backs fixed endpoint lists from the
// configuration file and tests that must not depend on etcd. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (r *StaticRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := r.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == instance.Addr {
			insts[i] = instance
			r.notify(serviceName)
			return nil
		}
	}
	r.instances[serviceName] = append(insts, instance)
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := r.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			r.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			r.notify(serviceName)
			break
		}
	}
	return nil
}

func (r *StaticRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	insts := r.instances[serviceName]
	if len(insts) == 0 {
		return nil, ErrNoInstances
	}
	return append([]ServiceInstance(nil), insts...), nil
}

// Watch emits the instance list after every change until ctx ends.
func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[serviceName]
		for i, w := range watchers {
			if w == ch {
				r.watchers[serviceName] = append(watchers[:i:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with mu held. Slow watchers only see the latest list.
func (r *StaticRegistry) notify(serviceName string) {
	snapshot := append([]ServiceInstance(nil), r.instances[serviceName]...)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
