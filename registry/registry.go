// Package registry is the service directory: which services exist and at which
// network address each instance can be reached.
//
// The supergraph composer reads the whole directory; RPC servers register
// themselves when they start serving and deregister on shutdown.
package registry

import (
	"context"
	"sort"
)

type ServiceInstance struct {
	Name    string `json:"name"`
	Addr    string `json:"addr"`             // e.g. "http://plugin-loans-api:4000"
	Weight  int    `json:"weight,omitempty"` // relative capacity, informational
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register adds or refreshes an instance. Implementations with leases expire
	// it ttl seconds after the process stops renewing.
	Register(ctx context.Context, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	// Discover returns the instances of one service.
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// List returns every known instance, ordered by name then address.
	List(ctx context.Context) ([]ServiceInstance, error)
	// Watch emits the current instance list of serviceName ("" for all services)
	// and again after every change, until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

func sortInstances(instances []ServiceInstance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Name != instances[j].Name {
			return instances[i].Name < instances[j].Name
		}
		return instances[i].Addr < instances[j].Addr
	})
}
