package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"uscope-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes.
//
// Each real instance is placed on the ring as 100 virtual nodes so that a few
// instances do not cluster together.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // key used by Pick
	replicas int    // Virtual nodes per real instance

	mu          sync.Mutex
	fingerprint string                               // addresses the ring was built from
	ring        []uint32                             // Sorted hash values on the ring
	nodes       map[uint32]*registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
// Pick routes by key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Lookup finds the instance responsible for key on the current ring.
func (b *ConsistentHashBalancer) Lookup(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) lookup(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// first node with hash >= key's hash, wrapping to the start of the ring
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick rebuilds the ring when the instance set changed and routes the balancer key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	sort.Strings(addrs)
	fingerprint := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()

	if fingerprint != b.fingerprint {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.ServiceInstance)
		for i := range instances {
			inst := instances[i]
			b.add(&inst)
		}
		b.fingerprint = fingerprint
	}
	return b.lookup(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
