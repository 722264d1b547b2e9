// Package minting runs each trained artifact through the validate, consensus
// and mint saga. Validation is local, consensus is delegated to the consensus
// manager, and the final record is written to a ledger.
package minting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/consensus"
	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var (
	ErrInvalidTransition = errors.New("invalid minting transition")
	ErrUnknownRequest    = errors.New("unknown minting request")
)

// transitions is the saga graph. Statuses only move forward.
var transitions = map[blackboard.MintingStatus][]blackboard.MintingStatus{
	blackboard.MintingStatusPendingValidation:   {blackboard.MintingStatusValidating},
	blackboard.MintingStatusValidating:          {blackboard.MintingStatusValidationFailed, blackboard.MintingStatusPendingConsensus},
	blackboard.MintingStatusPendingConsensus:    {blackboard.MintingStatusConsensusInProgress, blackboard.MintingStatusConsensusFailed},
	blackboard.MintingStatusConsensusInProgress: {blackboard.MintingStatusConsensusFailed, blackboard.MintingStatusMinting},
	blackboard.MintingStatusMinting:             {blackboard.MintingStatusMinted, blackboard.MintingStatusFailed},
}

// CanTransition reports whether the saga graph has an edge from one status to another.
func CanTransition(from, to blackboard.MintingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Consensus is the part of the consensus manager the saga drives.
type Consensus interface {
	SubmitProposal(ctx context.Context, req consensus.ProposalRequest) (blackboard.ConsensusProposal, error)
}

// MintingInput is the input to Submit.
type MintingInput struct {
	Artifact    blackboard.Artifact
	Discovery   blackboard.Discovery
	RequesterID string
	Priority    int
}

// Process owns every minting request.
type Process struct {
	cfg       config.MintingConfig
	validator *Validator
	consensus Consensus
	ledger    Ledger
	emitter   events.Emitter
	clock     clock.Clock
	sem       *semaphore.Weighted

	mu        sync.Mutex
	requests  map[string]*blackboard.MintingRequest
	proofs    map[string]blackboard.ConsensusResult // finalized before anyone waited
	waiters   map[string]chan blackboard.ConsensusResult
	abandoned map[string]bool // proposals whose waiter timed out
	inflight  map[string]bool
	skills    map[string]blackboard.SkillRecord
	archived  map[string]int // pruned requests by final status

	running sync.WaitGroup
}

// NewProcess creates a minting process. It must be registered as an observer
// of the consensus manager that backs c.
func NewProcess(cfg config.MintingConfig, validator *Validator, c Consensus, ledger Ledger, emitter events.Emitter, clk clock.Clock) *Process {
	if emitter == nil {
		emitter = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}
	if validator == nil {
		validator = NewValidator(cfg)
	}

	return &Process{
		cfg:       cfg,
		validator: validator,
		consensus: c,
		ledger:    ledger,
		emitter:   emitter,
		clock:     clk,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		requests:  make(map[string]*blackboard.MintingRequest),
		proofs:    make(map[string]blackboard.ConsensusResult),
		waiters:   make(map[string]chan blackboard.ConsensusResult),
		abandoned: make(map[string]bool),
		inflight:  make(map[string]bool),
		skills:    make(map[string]blackboard.SkillRecord),
		archived:  make(map[string]int),
	}
}

// Submit creates a request in pending_validation. The dispatcher picks it up.
func (p *Process) Submit(in MintingInput) (blackboard.MintingRequest, error) {
	now := p.clock.Now().UnixMilli()
	req := &blackboard.MintingRequest{
		ID:          uuid.New().String(),
		Artifact:    in.Artifact,
		Discovery:   in.Discovery,
		RequesterID: in.RequesterID,
		Priority:    in.Priority,
		Status:      blackboard.MintingStatusPendingValidation,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := req.Validate(); err != nil {
		return blackboard.MintingRequest{}, fmt.Errorf("invalid minting request: %w", err)
	}

	p.mu.Lock()
	p.requests[req.ID] = req
	snapshot := cloneRequest(req)
	p.mu.Unlock()

	log.Printf("[Minting] Request %s submitted for skill %s by %s", req.ID, req.Artifact.SkillID, req.RequesterID)
	p.emit(events.TypeRegistered, snapshot, "", string(snapshot.Status), snapshot)

	return snapshot, nil
}

// Get returns a copy of a request.
func (p *Process) Get(id string) (blackboard.MintingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.requests[id]
	if !ok {
		return blackboard.MintingRequest{}, false
	}
	return cloneRequest(r), true
}

// List returns copies of all requests, oldest first.
func (p *Process) List() []blackboard.MintingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]blackboard.MintingRequest, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Skill returns the minted record for a request.
func (p *Process) Skill(requestID string) (blackboard.SkillRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.skills[requestID]
	return s, ok
}

// Stats returns request counts keyed by status, including pruned requests.
func (p *Process) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]int, len(p.archived))
	for status, n := range p.archived {
		stats[status] = n
	}
	for _, r := range p.requests {
		stats[string(r.Status)]++
	}
	return stats
}

// ProposalFinalized implements consensus.Observer.
func (p *Process) ProposalFinalized(result blackboard.ConsensusResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.waiters[result.ProposalID]; ok {
		delete(p.waiters, result.ProposalID)
		ch <- result // buffered, one result per proposal
		return
	}
	if p.abandoned[result.ProposalID] {
		delete(p.abandoned, result.ProposalID)
		return
	}
	p.proofs[result.ProposalID] = result
}

// DispatchOnce starts every resumable request the concurrency limit admits,
// highest priority first. Returns the number started.
//
// An admitted request holds its max_concurrent slot until it settles: through
// validation, the whole consensus wait (up to consensus_timeout) and the
// ledger call. Slow voting can therefore occupy every slot, and requests still
// pending_validation wait behind it.
func (p *Process) DispatchOnce(ctx context.Context) int {
	p.mu.Lock()
	var ready []*blackboard.MintingRequest
	for _, r := range p.requests {
		if p.inflight[r.ID] {
			continue
		}
		if r.Status == blackboard.MintingStatusPendingValidation || r.Status == blackboard.MintingStatusPendingConsensus {
			ready = append(ready, r)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if ready[i].CreatedAtMs != ready[j].CreatedAtMs {
			return ready[i].CreatedAtMs < ready[j].CreatedAtMs
		}
		return ready[i].ID < ready[j].ID
	})

	started := 0
	for _, r := range ready {
		if !p.sem.TryAcquire(1) {
			break
		}
		p.inflight[r.ID] = true
		started++

		p.running.Add(1)
		go func(id string) {
			defer p.running.Done()
			defer p.sem.Release(1)
			defer func() {
				p.mu.Lock()
				delete(p.inflight, id)
				p.mu.Unlock()
			}()
			p.advance(ctx, id)
		}(r.ID)
	}
	p.mu.Unlock()

	return started
}

// Run dispatches every poll interval until ctx is cancelled, then waits for
// in-flight requests to stop.
func (p *Process) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.PollInterval.Duration)
	defer ticker.Stop()

	log.Printf("[Minting] Dispatching every %s, max %d concurrent", p.cfg.PollInterval.Duration, p.cfg.MaxConcurrent)

	p.DispatchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.running.Wait()
			return nil
		case <-ticker.C:
			p.DispatchOnce(ctx)
		}
	}
}

// Wait blocks until every dispatched request has returned.
func (p *Process) Wait() {
	p.running.Wait()
}

// advance drives one request from its current resumable phase as far as it goes.
func (p *Process) advance(ctx context.Context, id string) {
	req, ok := p.Get(id)
	if !ok {
		return
	}

	if req.Status == blackboard.MintingStatusPendingValidation {
		if !p.validate(id) {
			return
		}
	}

	proposalID, ch, ok := p.propose(ctx, id)
	if !ok {
		return
	}

	result, ok := p.awaitConsensus(ctx, id, proposalID, ch)
	if !ok {
		return
	}

	p.mint(ctx, id, result)
}

func (p *Process) validate(id string) bool {
	req, err := p.transition(id, blackboard.MintingStatusValidating, nil)
	if err != nil {
		log.Printf("[Minting] %v", err)
		return false
	}

	outcome := p.validator.Validate(req.Artifact, req.Discovery)
	report := outcome.Report()

	switch o := outcome.(type) {
	case Invalid:
		_, err = p.transition(id, blackboard.MintingStatusValidationFailed, func(r *blackboard.MintingRequest) {
			r.Validation = &report
			r.FailureReason = strings.Join(o.Reasons, "; ")
		})
		if err != nil {
			log.Printf("[Minting] %v", err)
		}
		return false
	default:
		_, err = p.transition(id, blackboard.MintingStatusPendingConsensus, func(r *blackboard.MintingRequest) {
			r.Validation = &report
		})
		if err != nil {
			log.Printf("[Minting] %v", err)
			return false
		}
		log.Printf("[Minting] Request %s passed validation with %.3f", id, report.Overall)
		return true
	}
}

func (p *Process) propose(ctx context.Context, id string) (string, <-chan blackboard.ConsensusResult, bool) {
	req, ok := p.Get(id)
	if !ok || req.Status != blackboard.MintingStatusPendingConsensus {
		return "", nil, false
	}

	score := 0.0
	if req.Validation != nil {
		score = req.Validation.Overall
	}

	proposal, err := p.consensus.SubmitProposal(ctx, consensus.ProposalRequest{
		SkillID:         req.Artifact.SkillID,
		Artifact:        req.Artifact,
		ValidationScore: score,
		ProposerID:      req.RequesterID,
	})
	if errors.Is(err, consensus.ErrTooManyProposals) {
		log.Printf("[Minting] Consensus at capacity, request %s stays pending", id)
		return "", nil, false
	}
	if err != nil {
		p.failConsensus(id, fmt.Sprintf("failed to submit proposal: %v", err))
		return "", nil, false
	}

	// A vote may finalize the proposal before the waiter is registered
	ch := make(chan blackboard.ConsensusResult, 1)
	p.mu.Lock()
	if early, ok := p.proofs[proposal.ID]; ok {
		delete(p.proofs, proposal.ID)
		ch <- early
	} else {
		p.waiters[proposal.ID] = ch
	}
	p.mu.Unlock()

	_, err = p.transition(id, blackboard.MintingStatusConsensusInProgress, func(r *blackboard.MintingRequest) {
		r.ProposalID = proposal.ID
	})
	if err != nil {
		log.Printf("[Minting] %v", err)
		return "", nil, false
	}

	return proposal.ID, ch, true
}

func (p *Process) awaitConsensus(ctx context.Context, id, proposalID string, ch <-chan blackboard.ConsensusResult) (blackboard.ConsensusResult, bool) {
	timeout := p.clock.Timer(p.cfg.ConsensusTimeout.Duration)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		log.Printf("[Minting] Stopped while request %s awaited consensus", id)
		return blackboard.ConsensusResult{}, false
	case <-timeout.C:
		p.mu.Lock()
		delete(p.waiters, proposalID)
		if _, finalized := p.proofs[proposalID]; finalized {
			delete(p.proofs, proposalID)
		} else {
			p.abandoned[proposalID] = true
		}
		p.mu.Unlock()
		p.failConsensus(id, fmt.Sprintf("consensus timed out after %s", p.cfg.ConsensusTimeout.Duration))
		return blackboard.ConsensusResult{}, false
	case result := <-ch:
		if !result.Approved() {
			p.failConsensus(id, fmt.Sprintf("proposal %s %s (%d approve, %d reject)",
				proposalID, result.Status, result.ApproveVotes, result.RejectVotes))
			return blackboard.ConsensusResult{}, false
		}
		return result, true
	}
}

func (p *Process) mint(ctx context.Context, id string, result blackboard.ConsensusResult) {
	req, err := p.transition(id, blackboard.MintingStatusMinting, func(r *blackboard.MintingRequest) {
		r.SkillHash = ContentHash(r.Artifact, r.Discovery)
	})
	if err != nil {
		log.Printf("[Minting] %v", err)
		return
	}

	proof := fmt.Sprintf("%s:%d/%d", result.ProposalID, result.ApproveVotes, result.TotalVotes)
	mintCtx, cancel := context.WithTimeout(ctx, p.cfg.LedgerTimeout.Duration)
	receipt, err := p.ledger.Mint(mintCtx, req.SkillHash, proof)
	cancel()

	if err != nil {
		if _, terr := p.transition(id, blackboard.MintingStatusFailed, func(r *blackboard.MintingRequest) {
			r.FailureReason = fmt.Sprintf("ledger mint failed: %v", err)
		}); terr != nil {
			log.Printf("[Minting] %v", terr)
		}
		return
	}

	minted, err := p.transition(id, blackboard.MintingStatusMinted, func(r *blackboard.MintingRequest) {
		r.TxHash = receipt.TxHash
		r.BlockHeight = receipt.BlockHeight
	})
	if err != nil {
		log.Printf("[Minting] %v", err)
		return
	}

	record := blackboard.SkillRecord{
		SkillID:     minted.Artifact.SkillID,
		RequestID:   minted.ID,
		Name:        minted.Discovery.Name,
		Category:    minted.Discovery.Category,
		Hash:        minted.SkillHash,
		TxHash:      receipt.TxHash,
		BlockHeight: receipt.BlockHeight,
		RequesterID: minted.RequesterID,
		Simulated:   receipt.Simulated,
		MintedAtMs:  minted.UpdatedAtMs,
	}
	p.mu.Lock()
	p.skills[id] = record
	p.mu.Unlock()

	log.Printf("[Minting] Minted skill %s at height %d (tx %s)", record.SkillID, record.BlockHeight, record.TxHash)
	p.emit(events.TypeFinalized, minted, "", string(minted.Status), record)
}

func (p *Process) failConsensus(id, reason string) {
	if _, err := p.transition(id, blackboard.MintingStatusConsensusFailed, func(r *blackboard.MintingRequest) {
		r.FailureReason = reason
	}); err != nil {
		log.Printf("[Minting] %v", err)
	}
}

// transition moves a request along the saga graph, applying mutate under the lock.
func (p *Process) transition(id string, to blackboard.MintingStatus, mutate func(*blackboard.MintingRequest)) (blackboard.MintingRequest, error) {
	p.mu.Lock()
	r, ok := p.requests[id]
	if !ok {
		p.mu.Unlock()
		return blackboard.MintingRequest{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	from := r.Status
	if !CanTransition(from, to) {
		p.mu.Unlock()
		return blackboard.MintingRequest{}, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, id)
	}

	r.Status = to
	r.UpdatedAtMs = p.clock.Now().UnixMilli()
	if mutate != nil {
		mutate(r)
	}
	snapshot := cloneRequest(r)
	p.mu.Unlock()

	p.emit(events.TypeTransitioned, snapshot, string(from), string(to), snapshot)
	if to.IsTerminal() && to != blackboard.MintingStatusMinted {
		log.Printf("[Minting] Request %s ended in %s: %s", id, to, snapshot.FailureReason)
		p.emit(events.TypeFailed, snapshot, "", string(to), snapshot)
	}

	return snapshot, nil
}

func (p *Process) emit(typ events.Type, req blackboard.MintingRequest, from, to string, payload interface{}) {
	p.emitter.Emit(events.Event{
		Type:      typ,
		Component: events.ComponentMinting,
		EntityID:  req.ID,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: p.clock.Now(),
	})
}

func cloneRequest(r *blackboard.MintingRequest) blackboard.MintingRequest {
	c := *r
	if r.Validation != nil {
		v := *r.Validation
		c.Validation = &v
	}
	return c
}
