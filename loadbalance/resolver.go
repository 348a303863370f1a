package loadbalance

import (
	"context"
	"fmt"

	"busbridge/registry"
)

// Resolver picks the dial address for each connection attempt from the
// instances registered under Service. It satisfies transport.Resolver.
type Resolver struct {
	Registry registry.Registry
	Service  string
	Balancer Balancer
}

func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	instances, err := r.Registry.Discover(ctx, r.Service)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("%w: %s", registry.ErrNoInstances, r.Service)
	}
	inst, err := r.Balancer.Pick(instances)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}
