// Package loadbalance chooses one instance of a service among several.
//
// The gateway composes one subgraph per service, so when a service is advertised
// at several addresses exactly one of them becomes the subgraph's routing URL.
// Every strategy here is deterministic: the same instance set always yields the
// same pick, and the composed schema does not churn between polls.
//
//   - First:          lowest address in directory order
//   - Weighted:       highest Weight, ties broken by directory order
//   - ConsistentHash: hash ring keyed by service name; adding an instance moves
//     the pick only if the new instance owns the key
package loadbalance

import (
	"errors"
	"fmt"

	"mq-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer picks the instance serving key among instances. Implementations are
// stateless and goroutine-safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name. The empty name selects First.
func New(name string) (Balancer, error) {
	switch name {
	case "", "first":
		return First{}, nil
	case "weighted":
		return Weighted{}, nil
	case "consistent-hash":
		return NewConsistentHash(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

type First struct{}

func (First) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return &instances[0], nil
}

func (First) Name() string { return "first" }

// Weighted prefers the instance with the most capacity.
type Weighted struct{}

func (Weighted) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	best := 0
	for i := range instances {
		if instances[i].Weight > instances[best].Weight {
			best = i
		}
	}
	return &instances[best], nil
}

func (Weighted) Name() string { return "weighted" }
