package minting

import (
	"fmt"
	"log"
	"time"

	"github.com/dyluth/crucible/pkg/blackboard"
)

// Restore loads requests persisted by an earlier run. Requests that have
// ended, or that the process already holds, are skipped.
//
// A request caught in validating is reset to pending_validation and validated
// again. A request caught in consensus_in_progress or minting cannot resume:
// its proposal or ledger call belonged to the previous run. It is ended in
// consensus_failed or failed respectively, with the reason recorded.
//
// Returns the number of requests left for the dispatcher and the number ended.
func (p *Process) Restore(reqs []blackboard.MintingRequest) (resumed, terminated int) {
	for i := range reqs {
		if reqs[i].Status.IsTerminal() {
			continue
		}

		r := cloneRequest(&reqs[i])
		if r.Status == blackboard.MintingStatusValidating {
			r.Status = blackboard.MintingStatusPendingValidation
			r.Validation = nil
		}

		p.mu.Lock()
		if _, exists := p.requests[r.ID]; exists {
			p.mu.Unlock()
			continue
		}
		p.requests[r.ID] = &r
		p.mu.Unlock()

		switch r.Status {
		case blackboard.MintingStatusConsensusInProgress:
			p.failConsensus(r.ID, fmt.Sprintf("orchestrator restarted while proposal %s was open", r.ProposalID))
			terminated++

		case blackboard.MintingStatusMinting:
			if _, err := p.transition(r.ID, blackboard.MintingStatusFailed, func(m *blackboard.MintingRequest) {
				m.FailureReason = "orchestrator restarted during the ledger call, outcome unknown"
			}); err != nil {
				log.Printf("[Minting] %v", err)
			}
			terminated++

		default:
			log.Printf("[Minting] Restored request %s in %s", r.ID, r.Status)
			resumed++
		}
	}

	return resumed, terminated
}

// Prune drops ended requests last updated more than olderThan ago, together
// with their skill records. Stats keeps counting them. Returns the number dropped.
func (p *Process) Prune(olderThan time.Duration) int {
	cutoff := p.clock.Now().Add(-olderThan).UnixMilli()

	p.mu.Lock()
	defer p.mu.Unlock()

	pruned := 0
	for id, r := range p.requests {
		if !r.Status.IsTerminal() || p.inflight[id] || r.UpdatedAtMs >= cutoff {
			continue
		}
		p.archived[string(r.Status)]++
		delete(p.requests, id)
		delete(p.skills, id)
		pruned++
	}
	return pruned
}
