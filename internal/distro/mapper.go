// Package distro implements the sharded, eventually-consistent
// replication protocol for ephemeral data: each cluster node owns a
// deterministic partition of keys, mutates its own partition
// authoritatively, and periodically reconciles with peers via checksum
// verification.
package distro

import (
	"crypto/sha1"
	"slices"
	"sync"
)

// Mapper decides which peer owns a given service. Ownership is a pure
// function of the service name and the current sorted peer list:
// responsible(s) = peers[hash(s) mod n] == self. There are no virtual
// nodes and no replica fan-out here — distro has a single authoritative
// owner per key, not a replica set.
//
// Responsibility changes atomically: readers of Responsible/Owner observe
// one consistent snapshot of the peer list, never a partially-updated one.
type Mapper struct {
	mu    sync.RWMutex
	self  string
	peers []string // sorted, stable ordering
}

// NewMapper creates a Mapper for self, seeded with the given peer set
// (self is added if not already present).
func NewMapper(self string, peers []string) *Mapper {
	m := &Mapper{self: self}
	m.UpdatePeers(peers)
	return m
}

// UpdatePeers atomically replaces the peer list used for routing
// decisions. self is always included even if the caller omits it.
func (m *Mapper) UpdatePeers(peers []string) {
	set := make(map[string]struct{}, len(peers)+1)
	set[m.self] = struct{}{}
	for _, p := range peers {
		set[p] = struct{}{}
	}

	sorted := make([]string, 0, len(set))
	for p := range set {
		sorted = append(sorted, p)
	}
	slices.Sort(sorted)

	m.mu.Lock()
	m.peers = sorted
	m.mu.Unlock()
}

// Peers returns a point-in-time snapshot of the sorted peer list.
func (m *Mapper) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.peers))
	copy(out, m.peers)
	return out
}

// Owner returns the peer identity responsible for serviceName.
func (m *Mapper) Owner(serviceName string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.peers) == 0 {
		return m.self
	}
	idx := hash32(serviceName) % uint32(len(m.peers))
	return m.peers[idx]
}

// Responsible reports whether self owns serviceName under the current
// peer-list snapshot.
func (m *Mapper) Responsible(serviceName string) bool {
	return m.Owner(serviceName) == m.self
}

// Self returns this node's peer identity.
func (m *Mapper) Self() string {
	return m.self
}

// hash32 is a stable 32-bit hash of a service name, truncated from a
// SHA1 digest so distribution is uniform across the peer-count modulus.
func hash32(s string) uint32 {
	sum := sha1.Sum([]byte(s))
	return uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
}
