package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"mq-rpc/registry"
)

// ConsistentHash maps keys to instances using a hash ring. Each instance is
// placed on the ring as replicas virtual nodes so a few instances still spread
// evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHash struct {
	replicas int
}

func NewConsistentHash() ConsistentHash {
	return ConsistentHash{replicas: 100}
}

type ring struct {
	hashes []uint32
	nodes  map[uint32]int // hash → index into instances
}

func (b ConsistentHash) build(instances []registry.ServiceInstance) ring {
	r := ring{nodes: make(map[uint32]int, len(instances)*b.replicas)}
	for i, inst := range instances {
		for v := 0; v < b.replicas; v++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, v)))
			if _, taken := r.nodes[hash]; taken {
				continue
			}
			r.hashes = append(r.hashes, hash)
			r.nodes[hash] = i
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping past
// the largest hash to the smallest.
func (b ConsistentHash) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	if b.replicas <= 0 {
		b.replicas = 1
	}
	r := b.build(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return &instances[r.nodes[r.hashes[idx]]], nil
}

func (b ConsistentHash) Name() string {
	return "consistent-hash"
}
