package consensus

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

const (
	initialReputation = 1.0
	maxReputation     = 2.0
	reputationStep    = 0.1
	// heartbeatMisses is how many heartbeat intervals a node may miss before going offline.
	heartbeatMisses = 3
)

// RegisterNode adds a voting node with the initial reputation. Registering an
// id again refreshes its address without touching reputation.
func (m *Manager) RegisterNode(id, address string) (blackboard.AgentCoreNode, error) {
	if id == "" {
		return blackboard.AgentCoreNode{}, fmt.Errorf("node id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixMilli()
	if n, ok := m.nodes[id]; ok {
		n.Address = address
		n.LastSeenMs = now
		return *n, nil
	}

	n := &blackboard.AgentCoreNode{
		ID:         id,
		Address:    address,
		Reputation: initialReputation,
		Status:     blackboard.NodeStatusActive,
		LastSeenMs: now,
	}
	m.nodes[id] = n
	log.Printf("[Consensus] Registered node %s at %s", id, address)
	m.emitNode(events.TypeRegistered, *n, "", string(n.Status))

	return *n, nil
}

// Heartbeat records that a node is alive. Offline and inactive nodes become
// active again; suspended nodes stay suspended.
func (m *Manager) Heartbeat(id string) (blackboard.AgentCoreNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return blackboard.AgentCoreNode{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	n.LastSeenMs = m.clock.Now().UnixMilli()
	if n.Status == blackboard.NodeStatusOffline || n.Status == blackboard.NodeStatusInactive {
		from := n.Status
		n.Status = blackboard.NodeStatusActive
		log.Printf("[Consensus] Node %s back online", id)
		m.emitNode(events.TypeTransitioned, *n, string(from), string(n.Status))
	}

	return *n, nil
}

// SetNodeStatus sets a node's status administratively.
func (m *Manager) SetNodeStatus(id string, status blackboard.NodeStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	from := n.Status
	n.Status = status
	snapshot := *n

	var finalized []blackboard.ConsensusResult
	if from != status {
		m.emitNode(events.TypeTransitioned, snapshot, string(from), string(status))
		finalized = m.reevaluateLocked()
	}
	m.mu.Unlock()

	m.notify(finalized)
	return nil
}

// SweepHeartbeats marks active nodes unseen for heartbeatMisses intervals as
// offline and re-evaluates open proposals against the smaller electorate.
func (m *Manager) SweepHeartbeats() int {
	m.mu.Lock()

	now := m.clock.Now()
	cutoff := now.Add(-heartbeatMisses * m.cfg.HeartbeatInterval.Duration).UnixMilli()

	marked := 0
	for _, id := range m.sortedNodeIDsLocked() {
		n := m.nodes[id]
		if n.Status == blackboard.NodeStatusActive && n.LastSeenMs < cutoff {
			n.Status = blackboard.NodeStatusOffline
			marked++
			log.Printf("[Consensus] Node %s missed heartbeats, marking offline", id)
			m.emitNode(events.TypeTransitioned, *n, string(blackboard.NodeStatusActive), string(n.Status))
		}
	}

	var finalized []blackboard.ConsensusResult
	if marked > 0 {
		finalized = m.reevaluateLocked()
	}
	m.mu.Unlock()

	m.notify(finalized)
	return marked
}

// Node returns a copy of a registered node.
func (m *Manager) Node(id string) (blackboard.AgentCoreNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return blackboard.AgentCoreNode{}, false
	}
	return *n, true
}

// Nodes returns copies of all registered nodes sorted by id.
func (m *Manager) Nodes() []blackboard.AgentCoreNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.sortedNodeIDsLocked()
	out := make([]blackboard.AgentCoreNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.nodes[id])
	}
	return out
}

func (m *Manager) sortedNodeIDsLocked() []string {
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) activeNodesLocked() []blackboard.AgentCoreNode {
	var out []blackboard.AgentCoreNode
	for _, id := range m.sortedNodeIDsLocked() {
		if n := m.nodes[id]; n.Status == blackboard.NodeStatusActive {
			out = append(out, *n)
		}
	}
	return out
}

// eligibleNodesLocked returns the nodes that may vote right now, sorted by id.
func (m *Manager) eligibleNodesLocked() []blackboard.AgentCoreNode {
	var out []blackboard.AgentCoreNode
	for _, id := range m.sortedNodeIDsLocked() {
		if n := m.nodes[id]; m.eligibleLocked(n) {
			out = append(out, *n)
		}
	}
	return out
}

// eligibleLocked reports whether a node may vote right now.
func (m *Manager) eligibleLocked(n *blackboard.AgentCoreNode) bool {
	return n.Status == blackboard.NodeStatusActive && n.Reputation >= m.cfg.ReputationFloor()
}

// adjustReputation moves a node's reputation by one step, bounded to [0, maxReputation].
func adjustReputation(current float64, agreed bool) float64 {
	next := current - reputationStep
	if agreed {
		next = current + reputationStep
	}
	next = math.Round(next*1000) / 1000
	return math.Max(0, math.Min(maxReputation, next))
}

func (m *Manager) emitNode(typ events.Type, n blackboard.AgentCoreNode, from, to string) {
	m.emitter.Emit(events.Event{
		Type:      typ,
		Component: events.ComponentConsensus,
		EntityID:  n.ID,
		From:      from,
		To:        to,
		Payload:   n,
		Timestamp: m.clock.Now(),
	})
}
