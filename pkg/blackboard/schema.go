package blackboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to enable
// multiple Crucible instances to safely coexist on a single Redis server.
//
// Key pattern: crucible:{instance_name}:{entity}:{id}
// Channel pattern: crucible:{instance_name}:{stream}

// ClusterKey returns the Redis key for a cluster snapshot.
// Pattern: crucible:{instance_name}:cluster:{cluster_id}
func ClusterKey(instanceName, clusterID string) string {
	return fmt.Sprintf("crucible:%s:cluster:%s", instanceName, clusterID)
}

// ClustersIndexKey returns the Redis key for the set of known cluster ids.
// Pattern: crucible:{instance_name}:clusters
func ClustersIndexKey(instanceName string) string {
	return fmt.Sprintf("crucible:%s:clusters", instanceName)
}

// AgentKey returns the Redis key for an agent snapshot.
// Pattern: crucible:{instance_name}:agent:{agent_id}
func AgentKey(instanceName, agentID string) string {
	return fmt.Sprintf("crucible:%s:agent:%s", instanceName, agentID)
}

// ConsensusResultKey returns the Redis key for an archived consensus result.
// Pattern: crucible:{instance_name}:consensus_result:{proposal_id}
func ConsensusResultKey(instanceName, proposalID string) string {
	return fmt.Sprintf("crucible:%s:consensus_result:%s", instanceName, proposalID)
}

// MintingRequestKey returns the Redis key for a minting request snapshot.
// Pattern: crucible:{instance_name}:minting_request:{request_id}
func MintingRequestKey(instanceName, requestID string) string {
	return fmt.Sprintf("crucible:%s:minting_request:%s", instanceName, requestID)
}

// SkillKey returns the Redis key for a minted skill record.
// Pattern: crucible:{instance_name}:skill:{skill_id}
func SkillKey(instanceName, skillID string) string {
	return fmt.Sprintf("crucible:%s:skill:%s", instanceName, skillID)
}

// SkillsIndexKey returns the ZSET of minted skill ids scored by mint time.
// Pattern: crucible:{instance_name}:skills
func SkillsIndexKey(instanceName string) string {
	return fmt.Sprintf("crucible:%s:skills", instanceName)
}

// SkillByArtifactKey returns the artifact skill id -> minting request index.
// Used by `crucible submit --wait` to find the request created for an artifact.
// Pattern: crucible:{instance_name}:skill_by_artifact:{skill_id}
func SkillByArtifactKey(instanceName, skillID string) string {
	return fmt.Sprintf("crucible:%s:skill_by_artifact:%s", instanceName, skillID)
}

// LedgerHeightKey returns the counter holding the Redis ledger's block height.
// Pattern: crucible:{instance_name}:ledger:height
func LedgerHeightKey(instanceName string) string {
	return fmt.Sprintf("crucible:%s:ledger:height", instanceName)
}

// LedgerTxKey returns the Redis key for one ledger transaction.
// Pattern: crucible:{instance_name}:ledger:tx:{tx_hash}
func LedgerTxKey(instanceName, txHash string) string {
	return fmt.Sprintf("crucible:%s:ledger:tx:%s", instanceName, txHash)
}

// InboundChannel returns the Pub/Sub channel the orchestrator consumes for one
// kind of inbound message (reports, artifacts, votes, heartbeats, solutions, validations).
// Pattern: crucible:{instance_name}:inbound:{kind}
func InboundChannel(instanceName, kind string) string {
	return fmt.Sprintf("crucible:%s:inbound:%s", instanceName, kind)
}

// LifecycleEventsChannel returns the Pub/Sub channel carrying every lifecycle event.
// Pattern: crucible:{instance_name}:lifecycle_events
func LifecycleEventsChannel(instanceName string) string {
	return fmt.Sprintf("crucible:%s:lifecycle_events", instanceName)
}

// NodeProposalsChannel returns the node-specific channel proposals are broadcast on.
// Pattern: crucible:{instance_name}:node:{node_id}:proposals
func NodeProposalsChannel(instanceName, nodeID string) string {
	return fmt.Sprintf("crucible:%s:node:%s:proposals", instanceName, nodeID)
}

// Inbound message kinds.
const (
	InboundReports     = "reports"
	InboundArtifacts   = "artifacts"
	InboundVotes       = "votes"
	InboundHeartbeats  = "heartbeats"
	InboundSolutions   = "solutions"
	InboundValidations = "validations"
)

// InboundKinds lists every inbound channel kind the orchestrator subscribes to.
var InboundKinds = []string{
	InboundReports,
	InboundArtifacts,
	InboundVotes,
	InboundHeartbeats,
	InboundSolutions,
	InboundValidations,
}
