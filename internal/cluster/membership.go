// Package cluster tracks which nodes participate in the naming-service
// cluster and resolves peer identities to dialable addresses for the
// distro transport.
package cluster

import (
	"fmt"
	"sync"
)

// Node represents a single cluster member.
type Node struct {
	ID      string `json:"id"`
	Address string `json:"address"` // host:port
	IsAlive bool   `json:"is_alive"`
}

// Membership tracks which nodes are in the cluster and hands the
// current peer-identity list to distro.Mapper whenever it changes.
// In production you would replace this with a gossip protocol (e.g.
// SWIM/Serf), but static membership is the right starting point — the
// distro protocol only needs "the current set of peer identities",
// which is exactly what this type hands to distro.Mapper.UpdatePeers.
type Membership struct {
	mu    sync.RWMutex
	nodes map[string]*Node // nodeID -> Node

	onChange func(peerIDs []string)
}

// NewMembership creates membership seeded with the provided node list.
func NewMembership(nodes []Node) *Membership {
	m := &Membership{
		nodes: make(map[string]*Node),
	}
	for i := range nodes {
		n := nodes[i]
		n.IsAlive = true
		m.nodes[n.ID] = &n
	}
	return m
}

// OnChange registers a callback invoked with the current peer-ID list
// every time membership changes (Join/Leave). cmd/server wires this to
// distro.Mapper.UpdatePeers.
func (m *Membership) OnChange(fn func(peerIDs []string)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Membership) notify() {
	m.mu.RLock()
	fn := m.onChange
	ids := m.peerIDsLocked()
	m.mu.RUnlock()
	if fn != nil {
		fn(ids)
	}
}

func (m *Membership) peerIDsLocked() []string {
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Join adds a new node to the cluster.
func (m *Membership) Join(node Node) error {
	m.mu.Lock()
	if _, ok := m.nodes[node.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("node %s already in cluster", node.ID)
	}
	node.IsAlive = true
	m.nodes[node.ID] = &node
	m.mu.Unlock()
	m.notify()
	return nil
}

// Leave removes a node from the cluster (graceful departure).
func (m *Membership) Leave(nodeID string) error {
	m.mu.Lock()
	if _, ok := m.nodes[nodeID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("node %s not in cluster", nodeID)
	}
	delete(m.nodes, nodeID)
	m.mu.Unlock()
	m.notify()
	return nil
}

// GetNode returns the Node for a given ID.
func (m *Membership) GetNode(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// All returns a copy of all current nodes.
func (m *Membership) All() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	return out
}

// PeerIDs returns a snapshot of every node ID currently known, for
// seeding or refreshing distro.Mapper.
func (m *Membership) PeerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peerIDsLocked()
}

// Resolve implements distro.AddressResolver: translates a peer ID into
// its dialable "host:port".
func (m *Membership) Resolve(peer string) (string, bool) {
	n, ok := m.GetNode(peer)
	if !ok {
		return "", false
	}
	return n.Address, true
}
