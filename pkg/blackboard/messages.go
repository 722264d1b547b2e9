package blackboard

import "fmt"

// ArtifactSubmission is published on the artifacts inbound channel to enqueue
// a trained adapter for discovery and minting.
type ArtifactSubmission struct {
	Artifact   Artifact   `json:"artifact"`
	Provenance Provenance `json:"provenance"`
	Priority   int        `json:"priority"`
}

// VoteMessage is a node's vote on an open proposal.
type VoteMessage struct {
	ProposalID string       `json:"proposal_id"`
	NodeID     string       `json:"node_id"`
	Decision   VoteDecision `json:"decision"`
	Reason     string       `json:"reason,omitempty"`
}

// Validate checks the required fields.
func (m *VoteMessage) Validate() error {
	if m.ProposalID == "" {
		return fmt.Errorf("proposal_id cannot be empty")
	}
	if m.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	return m.Decision.Validate()
}

// HeartbeatMessage keeps a node active. A heartbeat carrying an address from an
// unknown node registers it.
type HeartbeatMessage struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address,omitempty"`
}

// SolutionMessage is an agent's candidate fix for a report in a cluster.
type SolutionMessage struct {
	AgentID       string  `json:"agent_id"`
	ClusterID     string  `json:"cluster_id"`
	ReportID      string  `json:"report_id"`
	Code          string  `json:"code"`
	Description   string  `json:"description"`
	Approach      string  `json:"approach"`
	Effectiveness float64 `json:"effectiveness"`
}

// ValidationMessage scores a submitted solution.
type ValidationMessage struct {
	SolutionID string  `json:"solution_id"`
	Score      float64 `json:"score"`
}
