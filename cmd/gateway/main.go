// gateway keeps the GraphQL supergraph schema in step with the service directory.
//
// Subgraphs are read from etcd when etcd.endpoints is configured. Without etcd,
// they are given on the command line:
//
//	gateway --config gateway.yaml --subgraph core=http://core:3300 --subgraph loans=http://loans:4000
//
// With supergraph.only_if_missing set, the schema is composed once when absent
// and the process exits. Otherwise it recomposes on every directory change and
// poll interval until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mq-rpc/config"
	"mq-rpc/loadbalance"
	"mq-rpc/registry"
	"mq-rpc/supergraph"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var subgraphs []string
	var once bool

	flagSet := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $MQRPC_CONFIG)")
	flagSet.StringArrayVar(&subgraphs, "subgraph", nil, "static subgraph as name=address, used when etcd is not configured")
	flagSet.BoolVar(&once, "once", false, "compose once and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	directory, closeDirectory, err := openDirectory(cfg, subgraphs, logger)
	if err != nil {
		return err
	}
	defer closeDirectory()

	balancer, err := loadbalance.New(cfg.Supergraph.Balancer)
	if err != nil {
		return err
	}
	command := cfg.Supergraph.Command
	composer, err := supergraph.NewComposer(directory, supergraph.Config{
		ConfigPath:        cfg.Supergraph.ConfigPath,
		SchemaPath:        cfg.Supergraph.SchemaPath,
		FederationVersion: cfg.Supergraph.FederationVersion,
		PollInterval:      cfg.Supergraph.PollInterval,
		OnlyIfMissing:     cfg.Supergraph.OnlyIfMissing,
		Compose:           supergraph.RoverCompose(command[0], command[1:]...),
		Balancer:          balancer,
	}, logger.Named("supergraph"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		changed, err := composer.Sync(ctx)
		if err != nil {
			return err
		}
		logger.Info("supergraph composed", zap.Bool("changed", changed))
		return nil
	}

	logger.Info("gateway composer started",
		zap.String("schema", cfg.Supergraph.SchemaPath),
		zap.Duration("poll_interval", cfg.Supergraph.PollInterval),
		zap.Bool("only_if_missing", cfg.Supergraph.OnlyIfMissing))
	return composer.Run(ctx)
}

func openDirectory(cfg *config.Config, subgraphs []string, logger *zap.Logger) (registry.Registry, func(), error) {
	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	}

	var instances []registry.ServiceInstance
	for _, s := range subgraphs {
		name, addr, ok := strings.Cut(s, "=")
		if !ok || name == "" || addr == "" {
			return nil, nil, fmt.Errorf("invalid --subgraph %q, want name=address", s)
		}
		instances = append(instances, registry.ServiceInstance{Name: name, Addr: addr})
	}
	return registry.NewMemoryRegistry(instances...), func() {}, nil
}
