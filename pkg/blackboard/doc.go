// Package blackboard provides type-safe Go definitions and Redis schema patterns
// for the Crucible blackboard.
//
// # Overview
//
// The blackboard is the shared state of a Crucible deployment. The orchestrator
// persists snapshots of clusters, agents, consensus results, minting requests and
// minted skills here, and the CLI reads them back. External producers push error
// reports, artifacts, votes, heartbeats and solutions onto instance-scoped inbound
// channels which the orchestrator consumes.
//
// # Usage Example
//
//	client, err := blackboard.NewClient(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	report := blackboard.ErrorReport{
//		ID:             "r-1",
//		Classification: "type_error",
//		Message:        "cannot read property 'id' of undefined",
//		Severity:       blackboard.SeverityHigh,
//		Bounty:         150,
//	}
//	if err := report.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
//	// Hand the report to the orchestrator
//	err = client.PublishInbound(ctx, blackboard.InboundReports, report)
//
// # Redis Schema
//
// All Redis keys follow the pattern: crucible:{instance_name}:{entity}:{id}
//
// Clusters: crucible:{instance_name}:cluster:{cluster_id} (JSON)
// Agents: crucible:{instance_name}:agent:{agent_id} (JSON)
// Consensus results: crucible:{instance_name}:consensus_result:{proposal_id} (hash)
// Minting requests: crucible:{instance_name}:minting_request:{request_id} (hash)
// Skills: crucible:{instance_name}:skill:{skill_id} (hash), indexed by the
// crucible:{instance_name}:skills ZSET scored by mint time
// Ledger: crucible:{instance_name}:ledger:height, crucible:{instance_name}:ledger:tx:{tx_hash}
//
// Pub/Sub channels:
//
// Inbound: crucible:{instance_name}:inbound:{kind}
// Lifecycle events: crucible:{instance_name}:lifecycle_events
// Node proposals: crucible:{instance_name}:node:{node_id}:proposals
package blackboard
