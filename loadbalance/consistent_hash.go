package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"busbridge/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring. The same
// key always maps to the same instance until the ring changes.
//
// Each real instance is placed on the ring as 100 virtual nodes so a few
// instances do not cluster together.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // affinity key used by Pick
	replicas int

	mu        sync.Mutex
	signature string                       // instance set the ring was built from
	ring      []uint32                     // sorted hash values
	nodes     map[uint32]registry.Instance // hash value → instance
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]registry.Instance),
	}
}

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	b.signature = ""
}

func (b *ConsistentHashBalancer) addLocked(instance registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// PickKey finds the instance responsible for key: the first node clockwise
// from the key's hash, wrapping around past the largest.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickLocked(key)
}

func (b *ConsistentHashBalancer) pickLocked(key string) (*registry.Instance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// Pick rebuilds the ring when the instance set has changed, then picks by
// the balancer's affinity key.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	sig := signature(instances)

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig != b.signature {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]registry.Instance, len(instances)*b.replicas)
		for _, inst := range instances {
			b.addLocked(inst)
		}
		b.signature = sig
	}
	return b.pickLocked(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(instances []registry.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
