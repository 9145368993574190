package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/mq-rpc/services/"

// EtcdRegistry implements Registry on etcd v3:
//
//	Key:   /mq-rpc/services/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a service crashes, its lease expires and
// the entry disappears instead of lingering as a ghost subgraph.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease kept alive by this process
}

// NewEtcdRegistry connects to the given etcd endpoints. The logger is handed to the
// etcd client as well.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func instanceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

func servicePrefix(serviceName string) string {
	if serviceName == "" {
		return keyPrefix
	}
	return keyPrefix + serviceName + "/"
}

// Register puts the instance under a TTL lease and keeps the lease alive in the
// background for as long as the registry is open.
func (r *EtcdRegistry) Register(ctx context.Context, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(instance.Name, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// The renewal outlives the registering call.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	r.mu.Lock()
	previous, renewed := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Re-registration moved the key to the new lease; the old one would otherwise
	// be kept alive until the client closes.
	if renewed && previous != lease.ID {
		if _, err := r.client.Revoke(ctx, previous); err != nil {
			r.logger.Warn("revoke replaced lease failed", zap.String("key", key), zap.Error(err))
		}
	}

	go func() {
		for range ch {
		}
		r.logger.Info("registry lease ended", zap.String("key", key))
	}()
	return nil
}

// Deregister removes an instance. Revoking the lease stops its renewal too.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return fmt.Errorf("registry: revoke lease for %s: %w", key, err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	return r.list(ctx, servicePrefix(serviceName))
}

func (r *EtcdRegistry) List(ctx context.Context) ([]ServiceInstance, error) {
	return r.list(ctx, keyPrefix)
}

func (r *EtcdRegistry) list(ctx context.Context, prefix string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", prefix, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	sortInstances(instances)
	return instances, nil
}

// Watch uses etcd's server-push Watch API and re-reads the full list on every
// change, which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := servicePrefix(serviceName)

	go func() {
		defer close(ch)
		send := func() bool {
			instances, err := r.list(ctx, prefix)
			if err != nil {
				r.logger.Warn("registry watch refresh failed", zap.String("prefix", prefix), zap.Error(err))
				return ctx.Err() == nil
			}
			select {
			case ch <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}

		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		if !send() {
			return
		}
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch error", zap.String("prefix", prefix), zap.Error(err))
			}
			if !send() {
				return
			}
		}
	}()

	return ch
}

// Close revokes nothing: leases expire on their own once renewal stops.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
