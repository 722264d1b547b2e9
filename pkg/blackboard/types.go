package blackboard

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Severity is the reported impact of an error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Normalized maps the severity onto (0,1] for feature extraction.
func (s Severity) Normalized() float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// Validate checks if the Severity is a valid enum value.
func (s Severity) Validate() error {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("unknown severity: %q", s)
	}
}

// ErrorReport is a single crowd-sourced error observation. Reports are immutable
// once they have been added to the clustering engine.
type ErrorReport struct {
	ID             string            `json:"id"`
	Classification string            `json:"classification"` // e.g. "type_error", "network_error"
	Message        string            `json:"message"`
	Trace          string            `json:"trace,omitempty"`
	Severity       Severity          `json:"severity"`
	Tags           []string          `json:"tags"`
	Bounty         float64           `json:"bounty"`
	Context        map[string]string `json:"context,omitempty"` // execution context (runtime, os, ...)
	TimestampMs    int64             `json:"timestamp_ms"`
}

// Cluster is a group of error reports with similar features.
type Cluster struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	Members        []ErrorReport `json:"members"`
	Centroid       []float64     `json:"centroid"`
	Similarity     float64       `json:"similarity"` // mean member-to-centroid similarity
	TotalBounty    float64       `json:"total_bounty"`
	AssignedAgents []string      `json:"assigned_agents"`
	OwnerAgent     string        `json:"owner_agent,omitempty"` // empty when unowned
	OwnershipScore float64       `json:"ownership_score"`
	CreatedAtMs    int64         `json:"created_at_ms"`
	UpdatedAtMs    int64         `json:"updated_at_ms"`
}

// MemberIDs returns the ids of the cluster's member reports in member order.
func (c *Cluster) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// Member returns the member report with the given id.
func (c *Cluster) Member(reportID string) (ErrorReport, bool) {
	for _, m := range c.Members {
		if m.ID == reportID {
			return m, true
		}
	}
	return ErrorReport{}, false
}

// Clone returns a deep copy of the cluster.
func (c Cluster) Clone() Cluster {
	out := c
	out.Members = append([]ErrorReport(nil), c.Members...)
	out.Centroid = append([]float64(nil), c.Centroid...)
	out.AssignedAgents = append([]string(nil), c.AssignedAgents...)
	return out
}

// Agent is an autonomous contributor proposing solutions to clustered errors.
type Agent struct {
	ID               string   `json:"id"`
	Expertise        []string `json:"expertise"`
	Performance      float64  `json:"performance"`  // [0,1]
	SuccessRate      float64  `json:"success_rate"` // validated / submitted
	Submitted        int      `json:"submitted"`
	Validated        int      `json:"validated"`
	TotalBounty      float64  `json:"total_bounty"`
	AssignedClusters []string `json:"assigned_clusters"`
	OwnedClusters    []string `json:"owned_clusters"`
	Reputation       int      `json:"reputation"`
	LastActiveMs     int64    `json:"last_active_ms"`
}

// Assignment records that an agent was selected to work on a cluster.
type Assignment struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	ClusterID    string  `json:"cluster_id"`
	Score        float64 `json:"score"`
	AssignedAtMs int64   `json:"assigned_at_ms"`
}

// SolutionStatus is the validation state of a solution.
type SolutionStatus string

const (
	SolutionStatusPending   SolutionStatus = "pending"
	SolutionStatusValidated SolutionStatus = "validated"
	SolutionStatusRejected  SolutionStatus = "rejected"
)

// Solution is a candidate fix by one agent for one error in one cluster.
type Solution struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	ClusterID       string         `json:"cluster_id"`
	ReportID        string         `json:"report_id"`
	Code            string         `json:"code"`
	Description     string         `json:"description"`
	Approach        string         `json:"approach"`
	Effectiveness   float64        `json:"effectiveness"` // self-estimated, [0,1]
	Status          SolutionStatus `json:"status"`
	ValidationScore float64        `json:"validation_score"`
	Bounty          float64        `json:"bounty"` // set once validated
	SubmittedAtMs   int64          `json:"submitted_at_ms"`
	ValidatedAtMs   int64          `json:"validated_at_ms,omitempty"`
}

// Ownership is the computed owner of a cluster based on validated solutions.
type Ownership struct {
	ClusterID      string         `json:"cluster_id"`
	OwnerAgent     string         `json:"owner_agent,omitempty"`
	Score          float64        `json:"score"` // owner's share of validated solutions
	Counts         map[string]int `json:"counts"`
	TotalValidated int            `json:"total_validated"`
}

// Metrics are the measured characteristics of a trained artifact.
type Metrics struct {
	Accuracy   float64 `json:"accuracy"`
	LatencyMs  float64 `json:"latency_ms"`
	MemoryMB   float64 `json:"memory_mb"`
	Robustness float64 `json:"robustness"`
}

// Artifact is a trained model delta keyed by a stable skill id. WeightsA is the
// rank x input down-projection and WeightsB the output x rank up-projection,
// both row-major.
type Artifact struct {
	SkillID     string            `json:"skill_id"`
	Rank        int               `json:"rank"`
	Alpha       float64           `json:"alpha"`
	InputDim    int               `json:"input_dim"`
	OutputDim   int               `json:"output_dim"`
	WeightsA    []float64         `json:"weights_a"`
	WeightsB    []float64         `json:"weights_b"`
	Description string            `json:"description,omitempty"`
	Metrics     Metrics           `json:"metrics"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAtMs int64             `json:"created_at_ms"`
}

// Provenance records where an artifact came from.
type Provenance struct {
	ClusterID   string   `json:"cluster_id,omitempty"`
	SolutionIDs []string `json:"solution_ids,omitempty"`
	AgentIDs    []string `json:"agent_ids,omitempty"`
	SubmittedBy string   `json:"submitted_by"`
}

// Discovery is the analyzer's description of what an artifact does.
type Discovery struct {
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Subcategory  string   `json:"subcategory,omitempty"`
	Capabilities []string `json:"capabilities"`
	Complexity   float64  `json:"complexity"` // [0,1]
	Confidence   float64  `json:"confidence"` // [0,1]
	Tags         []string `json:"tags"`
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusRetrying   QueueStatus = "retrying"
)

// IsTerminal reports whether no further processing will happen.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// QueueItem wraps an artifact travelling through the processing queue.
type QueueItem struct {
	ID            string      `json:"id"`
	Artifact      Artifact    `json:"artifact"`
	Provenance    Provenance  `json:"provenance"`
	Priority      int         `json:"priority"`
	Status        QueueStatus `json:"status"`
	Retries       int         `json:"retries"`
	MaxRetries    int         `json:"max_retries"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	Discovery     *Discovery  `json:"discovery,omitempty"`
	SubmittedAtMs int64       `json:"submitted_at_ms"`
	UpdatedAtMs   int64       `json:"updated_at_ms"`
}

// VoteDecision is a node's vote on a proposal.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// Validate checks if the VoteDecision is a valid enum value.
func (d VoteDecision) Validate() error {
	switch d {
	case VoteApprove, VoteReject, VoteAbstain:
		return nil
	default:
		return fmt.Errorf("unknown vote decision: %q", d)
	}
}

// Vote is a single node's recorded vote.
type Vote struct {
	NodeID   string       `json:"node_id"`
	Decision VoteDecision `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
	CastAtMs int64        `json:"cast_at_ms"`
}

// ProposalStatus is the lifecycle state of a consensus proposal.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusVoting   ProposalStatus = "voting"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExpired  ProposalStatus = "expired"
)

// IsFinal reports whether the proposal has been finalized.
func (s ProposalStatus) IsFinal() bool {
	return s == ProposalStatusApproved || s == ProposalStatusRejected || s == ProposalStatusExpired
}

// ConsensusProposal is a unit of distributed decision-making about one skill.
type ConsensusProposal struct {
	ID              string          `json:"id"`
	SkillID         string          `json:"skill_id"`
	Artifact        Artifact        `json:"artifact"`
	ValidationScore float64         `json:"validation_score"`
	ProposerID      string          `json:"proposer_id"`
	SubmittedAtMs   int64           `json:"submitted_at_ms"`
	DeadlineMs      int64           `json:"deadline_ms"`
	RequiredVotes   int             `json:"required_votes"`
	Status          ProposalStatus  `json:"status"`
	Votes           map[string]Vote `json:"votes"`
}

// ConsensusResult is the immutable archive of a finalized proposal.
type ConsensusResult struct {
	ProposalID    string         `json:"proposal_id"`
	SkillID       string         `json:"skill_id"`
	Status        ProposalStatus `json:"status"`
	ApproveVotes  int            `json:"approve_votes"`
	RejectVotes   int            `json:"reject_votes"`
	AbstainVotes  int            `json:"abstain_votes"`
	TotalVotes    int            `json:"total_votes"`
	RequiredVotes int            `json:"required_votes"`
	ApprovalRate  float64        `json:"approval_rate"` // approve / (approve + reject)
	FinalizedAtMs int64          `json:"finalized_at_ms"`
}

// Approved reports whether the proposal reached the approval threshold.
func (r ConsensusResult) Approved() bool {
	return r.Status == ProposalStatusApproved
}

// NodeStatus is the liveness state of an agent-core node.
type NodeStatus string

const (
	NodeStatusActive    NodeStatus = "active"
	NodeStatusInactive  NodeStatus = "inactive"
	NodeStatusSuspended NodeStatus = "suspended"
	NodeStatusOffline   NodeStatus = "offline"
)

// Validate checks if the NodeStatus is a valid enum value.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusActive, NodeStatusInactive, NodeStatusSuspended, NodeStatusOffline:
		return nil
	default:
		return fmt.Errorf("unknown node status: %q", s)
	}
}

// AgentCoreNode is a registered voting participant.
type AgentCoreNode struct {
	ID         string     `json:"id"`
	Address    string     `json:"address"`
	Reputation float64    `json:"reputation"` // [0,2], starts at 1.0
	Status     NodeStatus `json:"status"`
	LastSeenMs int64      `json:"last_seen_ms"`
}

// CheckResult is the outcome of one validation check family.
type CheckResult struct {
	Score    float64  `json:"score"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationReport aggregates the four validation checks of a minting request.
type ValidationReport struct {
	Technical   CheckResult `json:"technical"`
	Semantic    CheckResult `json:"semantic"`
	Performance CheckResult `json:"performance"`
	Security    CheckResult `json:"security"`
	Overall     float64     `json:"overall"`
	Errors      []string    `json:"errors,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// MintingStatus is the saga state of a minting request.
type MintingStatus string

const (
	MintingStatusPendingValidation   MintingStatus = "pending_validation"
	MintingStatusValidating          MintingStatus = "validating"
	MintingStatusValidationFailed    MintingStatus = "validation_failed"
	MintingStatusPendingConsensus    MintingStatus = "pending_consensus"
	MintingStatusConsensusInProgress MintingStatus = "consensus_in_progress"
	MintingStatusConsensusFailed     MintingStatus = "consensus_failed"
	MintingStatusMinting             MintingStatus = "minting"
	MintingStatusMinted              MintingStatus = "minted"
	MintingStatusFailed              MintingStatus = "failed"
)

// IsTerminal reports whether the saga has ended.
func (s MintingStatus) IsTerminal() bool {
	switch s {
	case MintingStatusValidationFailed, MintingStatusConsensusFailed, MintingStatusMinted, MintingStatusFailed:
		return true
	default:
		return false
	}
}

// Validate checks if the MintingStatus is a valid enum value.
func (s MintingStatus) Validate() error {
	switch s {
	case MintingStatusPendingValidation, MintingStatusValidating, MintingStatusValidationFailed,
		MintingStatusPendingConsensus, MintingStatusConsensusInProgress, MintingStatusConsensusFailed,
		MintingStatusMinting, MintingStatusMinted, MintingStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown minting status: %q", s)
	}
}

// MintingRequest carries one artifact through validate → consensus → mint.
type MintingRequest struct {
	ID            string            `json:"id"`
	Artifact      Artifact          `json:"artifact"`
	Discovery     Discovery         `json:"discovery"`
	Validation    *ValidationReport `json:"validation,omitempty"` // filled in place by the validate phase
	RequesterID   string            `json:"requester_id"`
	Priority      int               `json:"priority"`
	Status        MintingStatus     `json:"status"`
	ProposalID    string            `json:"proposal_id,omitempty"`
	SkillHash     string            `json:"skill_hash,omitempty"`
	TxHash        string            `json:"tx_hash,omitempty"`
	BlockHeight   int64             `json:"block_height,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAtMs   int64             `json:"created_at_ms"`
	UpdatedAtMs   int64             `json:"updated_at_ms"`
}

// SkillRecord is a minted skill as recorded on the ledger.
type SkillRecord struct {
	SkillID     string `json:"skill_id"`
	RequestID   string `json:"request_id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Hash        string `json:"hash"`
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
	RequesterID string `json:"requester_id"`
	Simulated   bool   `json:"simulated"`
	MintedAtMs  int64  `json:"minted_at_ms"`
}

// Validate checks if the ErrorReport has valid field values.
func (r *ErrorReport) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("report ID cannot be empty")
	}

	if r.Classification == "" {
		return fmt.Errorf("report classification cannot be empty")
	}

	if err := r.Severity.Validate(); err != nil {
		return fmt.Errorf("invalid severity: %w", err)
	}

	if r.Bounty < 0 || math.IsNaN(r.Bounty) {
		return fmt.Errorf("invalid bounty: must be >= 0, got %v", r.Bounty)
	}

	return nil
}

// Validate checks the structural fields of an Artifact. Weight contents are
// checked by the minting validator, not here.
func (a *Artifact) Validate() error {
	if a.SkillID == "" {
		return fmt.Errorf("artifact skill ID cannot be empty")
	}

	if a.Rank < 0 || a.InputDim < 0 || a.OutputDim < 0 {
		return fmt.Errorf("artifact dimensions must be >= 0")
	}

	return nil
}

// Validate checks if the MintingRequest has valid field values.
func (m *MintingRequest) Validate() error {
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("invalid minting request ID: %w", err)
	}

	if err := m.Artifact.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}

	if err := m.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	return nil
}
