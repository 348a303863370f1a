// Package registry records where remote peers listen. A peer registers its
// advertised address under a service name; the bridge discovers the current
// instances and picks one to dial.
package registry

import (
	"context"
	"errors"
)

// ErrNoInstances is returned when a service has no registered instances.
var ErrNoInstances = errors.New("registry: no instances registered")

// Instance is one registered peer endpoint.
type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
	Codec   string `json:"codec,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
}
