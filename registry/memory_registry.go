package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps the directory in process memory. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // name → addr → instance
	watchers  []*memoryWatcher
}

type memoryWatcher struct {
	serviceName string
	ch          chan []ServiceInstance
}

func NewMemoryRegistry(initial ...ServiceInstance) *MemoryRegistry {
	m := &MemoryRegistry{instances: make(map[string]map[string]ServiceInstance)}
	for _, inst := range initial {
		m.put(inst)
	}
	return m
}

func (m *MemoryRegistry) Register(ctx context.Context, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	m.put(inst)
	m.mu.Unlock()
	m.notify(inst.Name)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	delete(m.instances[serviceName], addr)
	if len(m.instances[serviceName]) == 0 {
		delete(m.instances, serviceName)
	}
	m.mu.Unlock()
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(serviceName), nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(""), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	w := &memoryWatcher{serviceName: serviceName, ch: make(chan []ServiceInstance, 1)}

	m.mu.Lock()
	w.ch <- m.snapshot(serviceName)
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, other := range m.watchers {
			if other == w {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		close(w.ch)
	}()
	return w.ch
}

func (m *MemoryRegistry) put(inst ServiceInstance) {
	if m.instances[inst.Name] == nil {
		m.instances[inst.Name] = make(map[string]ServiceInstance)
	}
	m.instances[inst.Name][inst.Addr] = inst
}

// snapshot must be called with mu held.
func (m *MemoryRegistry) snapshot(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0)
	for name, byAddr := range m.instances {
		if serviceName != "" && name != serviceName {
			continue
		}
		for _, inst := range byAddr {
			instances = append(instances, inst)
		}
	}
	sortInstances(instances)
	return instances
}

// notify hands every interested watcher the latest list, replacing one it has not
// read yet. Watchers only ever need the newest state.
func (m *MemoryRegistry) notify(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchers {
		if w.serviceName != "" && w.serviceName != serviceName {
			continue
		}
		snapshot := m.snapshot(w.serviceName)
		select {
		case <-w.ch:
		default:
		}
		w.ch <- snapshot
	}
}
