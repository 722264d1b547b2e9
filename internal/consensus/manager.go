// Package consensus implements the proposal and vote protocol run among
// agent-core nodes. A proposal is broadcast to every eligible voter and
// finalizes as soon as its outcome is decided, or expires at its deadline.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var (
	ErrUnknownProposal  = errors.New("unknown proposal")
	ErrProposalClosed   = errors.New("proposal is not accepting votes")
	ErrDeadlinePassed   = errors.New("voting deadline has passed")
	ErrUnknownNode      = errors.New("unknown node")
	ErrNodeInactive     = errors.New("node is not active")
	ErrLowReputation    = errors.New("node reputation below voting threshold")
	ErrDuplicateVote    = errors.New("node has already voted on this proposal")
	ErrNoActiveNodes    = errors.New("no active nodes")
	ErrTooManyProposals = errors.New("too many active proposals")
)

// quorumSlack absorbs participation rates written as rounded fractions
// (0.67 of 3 nodes is two votes).
const quorumSlack = 0.02

// Transport delivers a proposal to one node. Delivery is fire-and-forget: an
// error is logged and never fails the broadcast.
type Transport interface {
	Send(ctx context.Context, node blackboard.AgentCoreNode, proposal blackboard.ConsensusProposal) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, node blackboard.AgentCoreNode, proposal blackboard.ConsensusProposal) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, node blackboard.AgentCoreNode, proposal blackboard.ConsensusProposal) error {
	return f(ctx, node, proposal)
}

// Observer is notified of every finalized proposal. ProposalFinalized must not block.
type Observer interface {
	ProposalFinalized(result blackboard.ConsensusResult)
}

// ProposalRequest is the input to SubmitProposal.
type ProposalRequest struct {
	SkillID         string
	Artifact        blackboard.Artifact
	ValidationScore float64
	ProposerID      string
}

// Stats summarizes manager state.
type Stats struct {
	Nodes       int `json:"nodes"`
	ActiveNodes int `json:"active_nodes"`
	Open        int `json:"open"`
	Approved    int `json:"approved"`
	Rejected    int `json:"rejected"`
	Expired     int `json:"expired"`
}

// Manager owns every node and proposal. One mutex serializes all mutations, so
// a vote and a sweep can never interleave on the same tally.
type Manager struct {
	cfg       config.ConsensusConfig
	transport Transport
	emitter   events.Emitter
	clock     clock.Clock

	mu        sync.Mutex
	nodes     map[string]*blackboard.AgentCoreNode
	proposals map[string]*blackboard.ConsensusProposal
	results   map[string]blackboard.ConsensusResult
	archived  Stats // counts of pruned results
	observers []Observer

	broadcasts sync.WaitGroup
}

// New creates a manager and registers the configured nodes.
func New(cfg config.ConsensusConfig, transport Transport, emitter events.Emitter, clk clock.Clock) (*Manager, error) {
	if emitter == nil {
		emitter = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}
	if transport == nil {
		transport = TransportFunc(func(context.Context, blackboard.AgentCoreNode, blackboard.ConsensusProposal) error {
			return nil
		})
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		emitter:   emitter,
		clock:     clk,
		nodes:     make(map[string]*blackboard.AgentCoreNode),
		proposals: make(map[string]*blackboard.ConsensusProposal),
		results:   make(map[string]blackboard.ConsensusResult),
	}

	for _, spec := range cfg.Nodes {
		if _, err := m.RegisterNode(spec.ID, spec.Address); err != nil {
			return nil, fmt.Errorf("failed to register node %s: %w", spec.ID, err)
		}
	}

	return m, nil
}

// AddObserver registers an observer for finalized proposals.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, o)
}

// RequiredVotes returns the quorum for a given number of eligible voters.
func (m *Manager) RequiredVotes(voters int) int {
	required := int(math.Ceil(float64(voters)*m.cfg.MinParticipationRate - quorumSlack))
	if required < 1 {
		required = 1
	}
	return required
}

// SubmitProposal opens a proposal and broadcasts it to every eligible voter.
// The quorum is taken over eligible voters only: active nodes whose reputation
// is below the floor can never vote and do not count.
// Broadcast runs in the background; the returned proposal is already voting.
func (m *Manager) SubmitProposal(ctx context.Context, req ProposalRequest) (blackboard.ConsensusProposal, error) {
	if req.SkillID == "" {
		return blackboard.ConsensusProposal{}, fmt.Errorf("skill id cannot be empty")
	}

	m.mu.Lock()

	active := m.activeNodesLocked()
	if len(active) == 0 {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, ErrNoActiveNodes
	}
	voters := m.eligibleNodesLocked()
	if len(voters) == 0 {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: no node meets reputation %.2f", ErrNoActiveNodes, m.cfg.ReputationFloor())
	}
	if open := m.openCountLocked(); open >= m.cfg.MaxActiveProposals {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %d open", ErrTooManyProposals, open)
	}

	now := m.clock.Now()
	p := &blackboard.ConsensusProposal{
		ID:              uuid.New().String(),
		SkillID:         req.SkillID,
		Artifact:        req.Artifact,
		ValidationScore: req.ValidationScore,
		ProposerID:      req.ProposerID,
		SubmittedAtMs:   now.UnixMilli(),
		DeadlineMs:      now.Add(m.cfg.VotingPeriod.Duration).UnixMilli(),
		RequiredVotes:   m.RequiredVotes(len(voters)),
		Status:          blackboard.ProposalStatusPending,
		Votes:           make(map[string]blackboard.Vote),
	}
	m.proposals[p.ID] = p
	m.emitProposal(events.TypeRegistered, *p, "", string(p.Status))

	p.Status = blackboard.ProposalStatusVoting
	m.emitProposal(events.TypeTransitioned, *p, string(blackboard.ProposalStatusPending), string(p.Status))
	snapshot := cloneProposal(p)

	m.mu.Unlock()

	log.Printf("[Consensus] Proposal %s for skill %s opened: %d eligible voters, %d votes required",
		snapshot.ID, snapshot.SkillID, len(voters), snapshot.RequiredVotes)

	m.broadcast(ctx, voters, snapshot)
	return snapshot, nil
}

// broadcast sends the proposal to each node in its own goroutine. The sends
// outlive ctx cancellation of the caller but not the broadcast timeout.
func (m *Manager) broadcast(ctx context.Context, nodes []blackboard.AgentCoreNode, p blackboard.ConsensusProposal) {
	base := context.WithoutCancel(ctx)
	for _, n := range nodes {
		m.broadcasts.Add(1)
		go func(node blackboard.AgentCoreNode) {
			defer m.broadcasts.Done()

			sendCtx, cancel := context.WithTimeout(base, m.cfg.BroadcastTimeout.Duration)
			defer cancel()

			if err := m.transport.Send(sendCtx, node, p); err != nil {
				log.Printf("[Consensus] Failed to send proposal %s to node %s: %v", p.ID, node.ID, err)
			}
		}(n)
	}
}

// WaitBroadcasts blocks until every in-flight send has returned.
func (m *Manager) WaitBroadcasts() {
	m.broadcasts.Wait()
}

// SubmitVote records one node's vote and finalizes the proposal if the vote
// decides it.
func (m *Manager) SubmitVote(proposalID, nodeID string, decision blackboard.VoteDecision, reason string) (blackboard.ConsensusProposal, error) {
	if err := decision.Validate(); err != nil {
		return blackboard.ConsensusProposal{}, err
	}

	m.mu.Lock()

	p, ok := m.proposals[proposalID]
	if !ok {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if p.Status != blackboard.ProposalStatusVoting {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %s is %s", ErrProposalClosed, proposalID, p.Status)
	}

	now := m.clock.Now().UnixMilli()
	if now > p.DeadlineMs {
		result := m.finalizeLocked(p, blackboard.ProposalStatusExpired)
		m.mu.Unlock()
		m.notify([]blackboard.ConsensusResult{result})
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %s", ErrDeadlinePassed, proposalID)
	}

	n, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if n.Status != blackboard.NodeStatusActive {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %s is %s", ErrNodeInactive, nodeID, n.Status)
	}
	if n.Reputation < m.cfg.ReputationFloor() {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %s has %.2f", ErrLowReputation, nodeID, n.Reputation)
	}
	if _, voted := p.Votes[nodeID]; voted {
		m.mu.Unlock()
		return blackboard.ConsensusProposal{}, fmt.Errorf("%w: %s on %s", ErrDuplicateVote, nodeID, proposalID)
	}

	p.Votes[nodeID] = blackboard.Vote{NodeID: nodeID, Decision: decision, Reason: reason, CastAtMs: now}
	n.LastSeenMs = now
	m.emitProposal(events.TypeUpdated, *p, "", "")

	var finalized []blackboard.ConsensusResult
	if status, done := m.evaluateLocked(p); done {
		finalized = append(finalized, m.finalizeLocked(p, status))
	}
	snapshot := cloneProposal(p)
	m.mu.Unlock()

	m.notify(finalized)
	return snapshot, nil
}

// tally counts votes on a proposal.
type tally struct {
	approve, reject, abstain int
	undecided                int // eligible nodes that have not voted
}

func (t tally) total() int { return t.approve + t.reject + t.abstain }

// approvalRate is approve/(approve+reject), 0 when nobody took a side.
func (t tally) approvalRate() float64 {
	if t.approve+t.reject == 0 {
		return 0
	}
	return float64(t.approve) / float64(t.approve+t.reject)
}

// bestCase is the approval rate if every undecided node approved.
func (t tally) bestCase() float64 {
	denom := t.approve + t.reject + t.undecided
	if denom == 0 {
		return 0
	}
	return float64(t.approve+t.undecided) / float64(denom)
}

func (m *Manager) tallyLocked(p *blackboard.ConsensusProposal) tally {
	var t tally
	for _, v := range p.Votes {
		switch v.Decision {
		case blackboard.VoteApprove:
			t.approve++
		case blackboard.VoteReject:
			t.reject++
		case blackboard.VoteAbstain:
			t.abstain++
		}
	}
	for id, n := range m.nodes {
		if _, voted := p.Votes[id]; !voted && m.eligibleLocked(n) {
			t.undecided++
		}
	}
	return t
}

// evaluateLocked decides whether a voting proposal can finalize now.
func (m *Manager) evaluateLocked(p *blackboard.ConsensusProposal) (blackboard.ProposalStatus, bool) {
	t := m.tallyLocked(p)
	threshold := m.cfg.ApprovalThreshold

	if t.total() >= p.RequiredVotes && t.approve+t.reject > 0 && t.approvalRate() >= threshold {
		return blackboard.ProposalStatusApproved, true
	}
	if t.undecided == 0 {
		// Quorum is out of reach. An approving electorate is left to expire at
		// the deadline rather than rejected against its own votes.
		if t.approve+t.reject > 0 && t.approvalRate() >= threshold {
			return "", false
		}
		return blackboard.ProposalStatusRejected, true
	}
	if t.bestCase() < threshold {
		return blackboard.ProposalStatusRejected, true
	}
	return "", false
}

// reevaluateLocked re-checks every open proposal after the electorate changed.
func (m *Manager) reevaluateLocked() []blackboard.ConsensusResult {
	var finalized []blackboard.ConsensusResult
	for _, id := range m.sortedProposalIDsLocked() {
		p := m.proposals[id]
		if p.Status != blackboard.ProposalStatusVoting {
			continue
		}
		if status, done := m.evaluateLocked(p); done {
			finalized = append(finalized, m.finalizeLocked(p, status))
		}
	}
	return finalized
}

// finalizeLocked closes a proposal, archives its result and applies
// reputation changes. Expired proposals leave reputations untouched.
func (m *Manager) finalizeLocked(p *blackboard.ConsensusProposal, status blackboard.ProposalStatus) blackboard.ConsensusResult {
	from := p.Status
	p.Status = status
	t := m.tallyLocked(p)

	result := blackboard.ConsensusResult{
		ProposalID:    p.ID,
		SkillID:       p.SkillID,
		Status:        status,
		ApproveVotes:  t.approve,
		RejectVotes:   t.reject,
		AbstainVotes:  t.abstain,
		TotalVotes:    t.total(),
		RequiredVotes: p.RequiredVotes,
		ApprovalRate:  t.approvalRate(),
		FinalizedAtMs: m.clock.Now().UnixMilli(),
	}
	m.results[p.ID] = result

	if status != blackboard.ProposalStatusExpired {
		approved := status == blackboard.ProposalStatusApproved
		voters := make([]string, 0, len(p.Votes))
		for id := range p.Votes {
			voters = append(voters, id)
		}
		sort.Strings(voters)

		for _, id := range voters {
			v := p.Votes[id]
			n, ok := m.nodes[id]
			if !ok || v.Decision == blackboard.VoteAbstain {
				continue
			}
			agreed := (v.Decision == blackboard.VoteApprove) == approved
			n.Reputation = adjustReputation(n.Reputation, agreed)
			m.emitNode(events.TypeUpdated, *n, "", "")
		}
	}

	log.Printf("[Consensus] Proposal %s %s: %d approve, %d reject, %d abstain (required %d)",
		p.ID, status, t.approve, t.reject, t.abstain, p.RequiredVotes)
	m.emitProposal(events.TypeTransitioned, *p, string(from), string(status))
	m.emitter.Emit(events.Event{
		Type:      events.TypeFinalized,
		Component: events.ComponentConsensus,
		EntityID:  p.ID,
		To:        string(status),
		Payload:   result,
		Timestamp: m.clock.Now(),
	})

	return result
}

// SweepDeadlines expires every voting proposal past its deadline.
func (m *Manager) SweepDeadlines() int {
	m.mu.Lock()

	now := m.clock.Now().UnixMilli()
	var finalized []blackboard.ConsensusResult
	for _, id := range m.sortedProposalIDsLocked() {
		p := m.proposals[id]
		if p.Status == blackboard.ProposalStatusVoting && now > p.DeadlineMs {
			finalized = append(finalized, m.finalizeLocked(p, blackboard.ProposalStatusExpired))
		}
	}
	m.mu.Unlock()

	m.notify(finalized)
	return len(finalized)
}

// Run sweeps deadlines and heartbeats every sweep interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.SweepInterval.Duration)
	defer ticker.Stop()

	log.Printf("[Consensus] Sweeping every %s", m.cfg.SweepInterval.Duration)

	for {
		select {
		case <-ctx.Done():
			m.WaitBroadcasts()
			return nil
		case <-ticker.C:
			m.SweepDeadlines()
			m.SweepHeartbeats()
		}
	}
}

// Proposal returns a copy of a proposal.
func (m *Manager) Proposal(id string) (blackboard.ConsensusProposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return blackboard.ConsensusProposal{}, false
	}
	return cloneProposal(p), true
}

// Result returns the archived result of a finalized proposal.
func (m *Manager) Result(id string) (blackboard.ConsensusResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.results[id]
	return r, ok
}

// Stats returns node and proposal counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Nodes:    len(m.nodes),
		Open:     m.openCountLocked(),
		Approved: m.archived.Approved,
		Rejected: m.archived.Rejected,
		Expired:  m.archived.Expired,
	}
	for _, n := range m.nodes {
		if n.Status == blackboard.NodeStatusActive {
			s.ActiveNodes++
		}
	}
	for _, r := range m.results {
		switch r.Status {
		case blackboard.ProposalStatusApproved:
			s.Approved++
		case blackboard.ProposalStatusRejected:
			s.Rejected++
		case blackboard.ProposalStatusExpired:
			s.Expired++
		}
	}
	return s
}

// Prune drops finalized proposals and their results once they are older than
// olderThan. Stats keeps counting them. Returns the number dropped.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := m.clock.Now().Add(-olderThan).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, r := range m.results {
		if r.FinalizedAtMs >= cutoff {
			continue
		}
		switch r.Status {
		case blackboard.ProposalStatusApproved:
			m.archived.Approved++
		case blackboard.ProposalStatusRejected:
			m.archived.Rejected++
		case blackboard.ProposalStatusExpired:
			m.archived.Expired++
		}
		delete(m.results, id)
		delete(m.proposals, id)
		pruned++
	}
	return pruned
}

func (m *Manager) openCountLocked() int {
	open := 0
	for _, p := range m.proposals {
		if !p.Status.IsFinal() {
			open++
		}
	}
	return open
}

func (m *Manager) sortedProposalIDsLocked() []string {
	ids := make([]string, 0, len(m.proposals))
	for id := range m.proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// notify delivers results to observers. Called without the lock held.
func (m *Manager) notify(results []blackboard.ConsensusResult) {
	if len(results) == 0 {
		return
	}

	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, r := range results {
		for _, o := range observers {
			o.ProposalFinalized(r)
		}
	}
}

func (m *Manager) emitProposal(typ events.Type, p blackboard.ConsensusProposal, from, to string) {
	m.emitter.Emit(events.Event{
		Type:      typ,
		Component: events.ComponentConsensus,
		EntityID:  p.ID,
		From:      from,
		To:        to,
		Payload:   cloneProposal(&p),
		Timestamp: m.clock.Now(),
	})
}

func cloneProposal(p *blackboard.ConsensusProposal) blackboard.ConsensusProposal {
	c := *p
	c.Votes = make(map[string]blackboard.Vote, len(p.Votes))
	for k, v := range p.Votes {
		c.Votes[k] = v
	}
	return c
}
