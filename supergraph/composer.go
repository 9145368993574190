package supergraph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"time"

	"mq-rpc/loadbalance"
	"mq-rpc/registry"

	"go.uber.org/zap"
)

const DefaultPollInterval = 10 * time.Second

// ComposeFunc composes the supergraph described by configPath into outputPath.
type ComposeFunc func(ctx context.Context, configPath, outputPath string) error

// RoverCompose runs `command args... supergraph compose` as a child process, e.g.
// RoverCompose("rover") or RoverCompose("yarn", "rover").
func RoverCompose(command string, args ...string) ComposeFunc {
	return func(ctx context.Context, configPath, outputPath string) error {
		argv := append(append([]string{}, args...),
			"supergraph", "compose",
			"--config", configPath,
			"--output", outputPath,
			"--elv2-license=accept")
		out, err := exec.CommandContext(ctx, command, argv...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("supergraph: %s failed: %w: %s", command, err, out)
		}
		return nil
	}
}

type Config struct {
	ConfigPath        string // rover config, e.g. supergraph.yaml
	SchemaPath        string // active composed schema, e.g. supergraph.graphql
	FederationVersion string
	PollInterval      time.Duration
	// OnlyIfMissing composes once, and only when no schema exists yet. Production
	// gateways replace the schema by deleting it and restarting.
	OnlyIfMissing bool
	Compose       ComposeFunc
	// Balancer picks the instance composed for a service advertised more than
	// once. Defaults to loadbalance.First.
	Balancer loadbalance.Balancer
}

type Composer struct {
	cfg       Config
	directory registry.Registry
	logger    *zap.Logger

	mu sync.Mutex // one sync at a time
}

func NewComposer(directory registry.Registry, cfg Config, logger *zap.Logger) (*Composer, error) {
	if cfg.ConfigPath == "" || cfg.SchemaPath == "" {
		return nil, errors.New("supergraph: config and schema paths are required")
	}
	if cfg.FederationVersion == "" {
		cfg.FederationVersion = DefaultFederationVersion
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Compose == nil {
		cfg.Compose = RoverCompose("rover")
	}
	if cfg.Balancer == nil {
		cfg.Balancer = loadbalance.First{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{cfg: cfg, directory: directory, logger: logger}, nil
}

// WriteConfig renders targets into the config file, rewriting it only when its
// content changes.
func (c *Composer) WriteConfig(targets []registry.ServiceInstance) (bool, error) {
	data, err := renderConfig(c.cfg.FederationVersion, targets, c.cfg.Balancer)
	if err != nil {
		return false, fmt.Errorf("supergraph: render config: %w", err)
	}
	return installIfChanged(c.cfg.ConfigPath, data)
}

// ComposeOnce runs the composition tool on the current config and reports whether
// the active schema was replaced.
func (c *Composer) ComposeOnce(ctx context.Context) (bool, error) {
	if c.cfg.OnlyIfMissing {
		if _, err := os.Stat(c.cfg.SchemaPath); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}

	next := c.cfg.SchemaPath + ".next"
	if err := c.cfg.Compose(ctx, c.cfg.ConfigPath, next); err != nil {
		os.Remove(next)
		return false, err
	}
	return swapIfChanged(next, c.cfg.SchemaPath)
}

// Sync reads the directory, refreshes the config, and recomposes. It reports
// whether the active schema changed.
func (c *Composer) Sync(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets, err := c.directory.List(ctx)
	if err != nil {
		return false, fmt.Errorf("supergraph: list services: %w", err)
	}
	configChanged, err := c.WriteConfig(targets)
	if err != nil {
		return false, err
	}
	if configChanged {
		c.logger.Info("supergraph config updated",
			zap.String("path", c.cfg.ConfigPath),
			zap.Int("services", len(targets)))
	}

	changed, err := c.ComposeOnce(ctx)
	if err != nil {
		return false, err
	}
	if changed {
		c.logger.Info("new supergraph schema written", zap.String("path", c.cfg.SchemaPath))
	}
	return changed, nil
}

// Run syncs immediately, then again on every poll tick and directory change until
// ctx is done. With OnlyIfMissing it syncs once and returns.
func (c *Composer) Run(ctx context.Context) error {
	if _, err := c.Sync(ctx); err != nil {
		if c.cfg.OnlyIfMissing {
			return err
		}
		c.logger.Error("supergraph sync failed", zap.Error(err))
	}
	if c.cfg.OnlyIfMissing {
		return nil
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	updates := c.directory.Watch(ctx, "")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
		}
		if _, err := c.Sync(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("supergraph sync failed", zap.Error(err))
		}
	}
}
