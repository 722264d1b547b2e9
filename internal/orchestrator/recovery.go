package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/crucible/pkg/blackboard"
)

// RecoverState reloads state persisted by a previous run. This method is
// called by Run before inbound traffic is accepted:
//  1. Clusters are restored into the tracker with their staffing and owner
//  2. Configured and assigned agents are restored with their counters
//  3. Unfinished minting requests are handed back to the minting process,
//     which resumes or ends each one depending on where it stopped
func (e *Engine) RecoverState(ctx context.Context) error {
	log.Printf("[Orchestrator] Starting state recovery...")
	startTime := time.Now()

	agentIDs := make(map[string]bool)
	for _, spec := range e.cfg.Assignment.Agents {
		agentIDs[spec.ID] = true
	}

	clusters, err := e.recoverClusters(ctx, agentIDs)
	if err != nil {
		return err
	}

	agents, err := e.recoverAgents(ctx, agentIDs)
	if err != nil {
		return err
	}

	requests, err := e.loadMintingRequests(ctx)
	if err != nil {
		return err
	}
	resumed, terminated := e.minting.Restore(requests)

	duration := time.Since(startTime)
	e.logEvent("recovery_complete", map[string]interface{}{
		"clusters_recovered": clusters,
		"agents_recovered":   agents,
		"requests_resumed":   resumed,
		"requests_ended":     terminated,
		"duration_ms":        duration.Milliseconds(),
	})

	log.Printf("[Orchestrator] State recovery complete: %d clusters, %d agents, %d requests resumed, %d ended (duration: %v)",
		clusters, agents, resumed, terminated, duration)

	return nil
}

// recoverClusters restores every indexed cluster and adds the agents it names to agentIDs.
func (e *Engine) recoverClusters(ctx context.Context, agentIDs map[string]bool) (int, error) {
	ids, err := e.client.ClusterIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for clusters: %w", err)
	}
	sort.Strings(ids)

	recovered := 0
	for _, id := range ids {
		cluster, err := e.client.GetCluster(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to load cluster %s: %w", id, err)
		}

		if err := e.tracker.RestoreCluster(*cluster); err != nil {
			log.Printf("[Orchestrator] Warning: Failed to recover cluster %s: %v", id, err)
			continue
		}
		for _, agentID := range cluster.AssignedAgents {
			agentIDs[agentID] = true
		}
		if cluster.OwnerAgent != "" {
			agentIDs[cluster.OwnerAgent] = true
		}
		recovered++
	}

	return recovered, nil
}

func (e *Engine) recoverAgents(ctx context.Context, agentIDs map[string]bool) (int, error) {
	ids := make([]string, 0, len(agentIDs))
	for id := range agentIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	recovered := 0
	for _, id := range ids {
		agent, err := e.client.GetAgent(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to load agent %s: %w", id, err)
		}

		if err := e.tracker.RestoreAgent(*agent); err != nil {
			log.Printf("[Orchestrator] Warning: Failed to recover agent %s: %v", id, err)
			continue
		}
		recovered++
	}

	return recovered, nil
}

// loadMintingRequests returns every persisted request that has not ended.
func (e *Engine) loadMintingRequests(ctx context.Context) ([]blackboard.MintingRequest, error) {
	ids, err := e.client.ScanMintingRequests(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to scan for minting requests: %w", err)
	}

	var active []blackboard.MintingRequest
	for _, id := range ids {
		req, err := e.client.GetMintingRequest(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			// Continue recovery - one unreadable request must not block the rest
			log.Printf("[Orchestrator] Warning: Failed to load minting request %s: %v", id, err)
			continue
		}
		if req.Status.IsTerminal() {
			continue
		}
		active = append(active, *req)
	}

	log.Printf("[Orchestrator] Found %d unfinished minting requests to recover", len(active))
	return active, nil
}
