// Package loadbalance chooses which registered peer instance the bridge
// dials when a new connection is needed.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity peers
//   - WeightedRandom:  peers with different capacity
//   - ConsistentHash:  pin a bridge to one peer by an affinity key, so the
//     same bridge keeps landing on the same peer across reconnects
package loadbalance

import (
	"errors"
	"fmt"

	"busbridge/registry"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance from the available list. Pick runs once
// per connection attempt and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer for a config name. key is the affinity key used
// by consistent_hash and ignored otherwise.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
