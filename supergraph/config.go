package supergraph

import (
	"fmt"
	"strings"

	"mq-rpc/loadbalance"
	"mq-rpc/registry"

	"gopkg.in/yaml.v3"
)

const DefaultFederationVersion = "=2.3.1"

type supergraphConfig struct {
	FederationVersion string              `yaml:"federation_version"`
	Subgraphs         map[string]subgraph `yaml:"subgraphs"`
}

type subgraph struct {
	RoutingURL string         `yaml:"routing_url"`
	Schema     subgraphSchema `yaml:"schema"`
}

type subgraphSchema struct {
	SubgraphURL string `yaml:"subgraph_url"`
}

// renderConfig builds the rover supergraph config for targets. A service with
// several instances is composed from the one balancer picks.
func renderConfig(federationVersion string, targets []registry.ServiceInstance, balancer loadbalance.Balancer) ([]byte, error) {
	config := supergraphConfig{
		FederationVersion: federationVersion,
		Subgraphs:         make(map[string]subgraph),
	}
	byName := make(map[string][]registry.ServiceInstance)
	for _, target := range targets {
		byName[target.Name] = append(byName[target.Name], target)
	}
	for name, instances := range byName {
		picked, err := balancer.Pick(name, instances)
		if err != nil {
			return nil, fmt.Errorf("pick %s: %w", name, err)
		}
		endpoint := strings.TrimSuffix(picked.Addr, "/") + "/graphql"
		config.Subgraphs[name] = subgraph{
			RoutingURL: endpoint,
			Schema:     subgraphSchema{SubgraphURL: endpoint},
		}
	}
	// yaml.v3 emits map keys sorted, so equal inputs give equal bytes.
	return yaml.Marshal(&config)
}
