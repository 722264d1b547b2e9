package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

func testConfig(nodes int, threshold float64) config.ConsensusConfig {
	cfg := config.Default().Consensus
	cfg.ApprovalThreshold = threshold
	cfg.MinParticipationRate = 0.67
	for i := 1; i <= nodes; i++ {
		cfg.Nodes = append(cfg.Nodes, config.NodeSpec{ID: fmt.Sprintf("node-%d", i), Address: fmt.Sprintf("10.0.0.%d:7000", i)})
	}
	return cfg
}

type recordingObserver struct {
	mu      sync.Mutex
	results []blackboard.ConsensusResult
}

func (o *recordingObserver) ProposalFinalized(r blackboard.ConsensusResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *recordingObserver) all() []blackboard.ConsensusResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]blackboard.ConsensusResult(nil), o.results...)
}

func newManager(t *testing.T, cfg config.ConsensusConfig, mock *clock.Mock) (*Manager, *recordingObserver) {
	t.Helper()
	m, err := New(cfg, nil, nil, mock)
	require.NoError(t, err)
	obs := &recordingObserver{}
	m.AddObserver(obs)
	return m, obs
}

func propose(t *testing.T, m *Manager) blackboard.ConsensusProposal {
	t.Helper()
	p, err := m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "skill-1", ValidationScore: 0.9, ProposerID: "minting"})
	require.NoError(t, err)
	return p
}

func TestRequiredVotes(t *testing.T) {
	tests := []struct {
		name   string
		rate   float64
		voters int
		want   int
	}{
		{"single voter", 0.67, 1, 1},
		{"two voters", 0.67, 2, 2},
		{"two thirds of three", 0.67, 3, 2},
		{"four voters", 0.67, 4, 3},
		{"five voters", 0.67, 5, 4},
		{"ten voters", 0.67, 10, 7},
		{"full participation", 1.0, 4, 4},
		// Plain ceiling gives 4 (7 x 0.43 = 3.01); the slack reads 0.43 as three sevenths
		{"slack absorbs rounded rate", 0.43, 7, 3},
		{"slack does not hide a real excess", 0.45, 7, 4},
		{"never below one", 0.1, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(0, 0.75)
			cfg.MinParticipationRate = tt.rate
			m, _ := newManager(t, cfg, clock.NewMock())
			assert.Equal(t, tt.want, m.RequiredVotes(tt.voters))
		})
	}
}

func TestSubmitProposal(t *testing.T) {
	t.Run("opens in voting with quorum and deadline", func(t *testing.T) {
		mock := clock.NewMock()
		cfg := testConfig(3, 0.75)
		m, _ := newManager(t, cfg, mock)

		p := propose(t, m)
		assert.Equal(t, blackboard.ProposalStatusVoting, p.Status)
		assert.Equal(t, 2, p.RequiredVotes)
		assert.Equal(t, mock.Now().Add(cfg.VotingPeriod.Duration).UnixMilli(), p.DeadlineMs)
		assert.Equal(t, 1, m.Stats().Open)
	})

	t.Run("no active nodes", func(t *testing.T) {
		m, _ := newManager(t, testConfig(0, 0.75), clock.NewMock())
		_, err := m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "s"})
		assert.ErrorIs(t, err, ErrNoActiveNodes)
	})

	t.Run("no node above the reputation floor", func(t *testing.T) {
		m, _ := newManager(t, testConfig(2, 0.75), clock.NewMock())
		m.mu.Lock()
		for _, n := range m.nodes {
			n.Reputation = 0.1
		}
		m.mu.Unlock()

		_, err := m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "s"})
		assert.ErrorIs(t, err, ErrNoActiveNodes)
	})

	t.Run("broadcast skips nodes below the floor", func(t *testing.T) {
		var mu sync.Mutex
		sent := map[string]bool{}
		transport := TransportFunc(func(ctx context.Context, n blackboard.AgentCoreNode, p blackboard.ConsensusProposal) error {
			mu.Lock()
			sent[n.ID] = true
			mu.Unlock()
			return nil
		})

		m, err := New(testConfig(3, 0.75), transport, nil, clock.NewMock())
		require.NoError(t, err)
		m.mu.Lock()
		m.nodes["node-3"].Reputation = 0.3
		m.mu.Unlock()

		_, err = m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "s"})
		require.NoError(t, err)
		m.WaitBroadcasts()

		mu.Lock()
		assert.Equal(t, map[string]bool{"node-1": true, "node-2": true}, sent)
		mu.Unlock()
	})

	t.Run("too many open proposals", func(t *testing.T) {
		cfg := testConfig(3, 0.75)
		cfg.MaxActiveProposals = 1
		m, _ := newManager(t, cfg, clock.NewMock())

		propose(t, m)
		_, err := m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "s2"})
		assert.ErrorIs(t, err, ErrTooManyProposals)
	})

	t.Run("broadcast failures are not fatal", func(t *testing.T) {
		var mu sync.Mutex
		sent := map[string]bool{}
		transport := TransportFunc(func(ctx context.Context, n blackboard.AgentCoreNode, p blackboard.ConsensusProposal) error {
			mu.Lock()
			sent[n.ID] = true
			mu.Unlock()
			if n.ID == "node-2" {
				return errors.New("connection reset")
			}
			return nil
		})

		m, err := New(testConfig(3, 0.75), transport, nil, clock.NewMock())
		require.NoError(t, err)

		p, err := m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "s"})
		require.NoError(t, err)
		m.WaitBroadcasts()

		mu.Lock()
		assert.Len(t, sent, 3)
		mu.Unlock()

		got, ok := m.Proposal(p.ID)
		require.True(t, ok)
		assert.Equal(t, blackboard.ProposalStatusVoting, got.Status)
	})

	t.Run("stalled send is cut off by broadcast timeout", func(t *testing.T) {
		cfg := testConfig(1, 0.75)
		cfg.BroadcastTimeout = config.Duration{Duration: 20 * time.Millisecond}
		done := make(chan error, 1)
		transport := TransportFunc(func(ctx context.Context, n blackboard.AgentCoreNode, p blackboard.ConsensusProposal) error {
			<-ctx.Done()
			done <- ctx.Err()
			return ctx.Err()
		})

		m, err := New(cfg, transport, nil, clock.NewMock())
		require.NoError(t, err)
		_, err = m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "s"})
		require.NoError(t, err)

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		case <-time.After(2 * time.Second):
			t.Fatal("send never timed out")
		}
	})
}

func TestSubmitVote_EarlyApproval(t *testing.T) {
	m, obs := newManager(t, testConfig(3, 0.75), clock.NewMock())
	p := propose(t, m)

	got, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, blackboard.ProposalStatusVoting, got.Status)

	got, err = m.SubmitVote(p.ID, "node-2", blackboard.VoteApprove, "looks good")
	require.NoError(t, err)
	assert.Equal(t, blackboard.ProposalStatusApproved, got.Status)

	_, err = m.SubmitVote(p.ID, "node-3", blackboard.VoteApprove, "")
	assert.ErrorIs(t, err, ErrProposalClosed)

	result, ok := m.Result(p.ID)
	require.True(t, ok)
	assert.Equal(t, 2, result.ApproveVotes)
	assert.Equal(t, 2, result.TotalVotes)
	assert.Equal(t, result.ApproveVotes+result.RejectVotes+result.AbstainVotes, result.TotalVotes)
	assert.Equal(t, 1.0, result.ApprovalRate)
	assert.True(t, result.Approved())

	require.Len(t, obs.all(), 1)
	assert.Equal(t, p.ID, obs.all()[0].ProposalID)

	n1, _ := m.Node("node-1")
	n3, _ := m.Node("node-3")
	assert.InDelta(t, 1.1, n1.Reputation, 1e-9)
	assert.InDelta(t, 1.0, n3.Reputation, 1e-9)
}

func TestSubmitVote_RejectWhenAllVoted(t *testing.T) {
	m, obs := newManager(t, testConfig(2, 0.75), clock.NewMock())
	p := propose(t, m)
	require.Equal(t, 2, p.RequiredVotes)

	_, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)
	got, err := m.SubmitVote(p.ID, "node-2", blackboard.VoteReject, "regresses accuracy")
	require.NoError(t, err)
	assert.Equal(t, blackboard.ProposalStatusRejected, got.Status)

	result, _ := m.Result(p.ID)
	assert.InDelta(t, 0.5, result.ApprovalRate, 1e-9)
	assert.False(t, result.Approved())
	require.Len(t, obs.all(), 1)

	n1, _ := m.Node("node-1")
	n2, _ := m.Node("node-2")
	assert.InDelta(t, 0.9, n1.Reputation, 1e-9)
	assert.InDelta(t, 1.1, n2.Reputation, 1e-9)
}

func TestSubmitVote_EarlyRejection(t *testing.T) {
	m, _ := newManager(t, testConfig(3, 0.75), clock.NewMock())
	p := propose(t, m)

	_, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)
	got, err := m.SubmitVote(p.ID, "node-2", blackboard.VoteReject, "")
	require.NoError(t, err)

	// Best case is 2/3 even if node-3 approves
	assert.Equal(t, blackboard.ProposalStatusRejected, got.Status)
}

func TestSubmitVote_AbstainDoesNotCountTowardApproval(t *testing.T) {
	m, _ := newManager(t, testConfig(3, 0.75), clock.NewMock())
	p := propose(t, m)

	_, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteAbstain, "")
	require.NoError(t, err)
	got, err := m.SubmitVote(p.ID, "node-2", blackboard.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, blackboard.ProposalStatusApproved, got.Status)

	result, _ := m.Result(p.ID)
	assert.Equal(t, 1, result.AbstainVotes)
	assert.Equal(t, 2, result.TotalVotes)

	n1, _ := m.Node("node-1")
	assert.InDelta(t, 1.0, n1.Reputation, 1e-9)
}

func TestSubmitVote_Rejections(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(4, 0.75)
	m, _ := newManager(t, cfg, mock)
	p := propose(t, m)

	_, err := m.RegisterNode("late", "10.0.0.9:7000")
	require.NoError(t, err)
	require.NoError(t, m.SetNodeStatus("node-3", blackboard.NodeStatusSuspended))
	m.mu.Lock()
	m.nodes["node-4"].Reputation = 0.2
	m.mu.Unlock()

	_, err = m.SubmitVote(p.ID, "node-1", blackboard.VoteAbstain, "")
	require.NoError(t, err)

	tests := []struct {
		name       string
		proposalID string
		nodeID     string
		decision   blackboard.VoteDecision
		want       error
	}{
		{"unknown proposal", "nope", "node-1", blackboard.VoteApprove, ErrUnknownProposal},
		{"unknown node", p.ID, "ghost", blackboard.VoteApprove, ErrUnknownNode},
		{"inactive node", p.ID, "node-3", blackboard.VoteApprove, ErrNodeInactive},
		{"low reputation", p.ID, "node-4", blackboard.VoteApprove, ErrLowReputation},
		{"duplicate vote", p.ID, "node-1", blackboard.VoteApprove, ErrDuplicateVote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SubmitVote(tt.proposalID, tt.nodeID, tt.decision, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("invalid decision", func(t *testing.T) {
		_, err := m.SubmitVote(p.ID, "node-2", "maybe", "")
		assert.Error(t, err)
	})

	t.Run("deadline passed", func(t *testing.T) {
		mock.Add(cfg.VotingPeriod.Duration + time.Second)
		_, err := m.SubmitVote(p.ID, "node-2", blackboard.VoteApprove, "")
		assert.ErrorIs(t, err, ErrDeadlinePassed)

		got, _ := m.Proposal(p.ID)
		assert.Equal(t, blackboard.ProposalStatusExpired, got.Status)
	})
}

func TestSweepDeadlines(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(3, 0.75)
	m, obs := newManager(t, cfg, mock)
	p := propose(t, m)

	_, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)

	assert.Equal(t, 0, m.SweepDeadlines())

	mock.Add(cfg.VotingPeriod.Duration + time.Millisecond)
	assert.Equal(t, 1, m.SweepDeadlines())

	result, ok := m.Result(p.ID)
	require.True(t, ok)
	assert.Equal(t, blackboard.ProposalStatusExpired, result.Status)
	require.Len(t, obs.all(), 1)

	// Expiry leaves reputation untouched
	n1, _ := m.Node("node-1")
	assert.InDelta(t, 1.0, n1.Reputation, 1e-9)
	assert.Equal(t, 1, m.Stats().Expired)
}

func TestPrune(t *testing.T) {
	mock := clock.NewMock()
	m, _ := newManager(t, testConfig(1, 0.75), mock)

	approved := propose(t, m)
	_, err := m.SubmitVote(approved.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)
	open := propose(t, m)

	assert.Zero(t, m.Prune(time.Hour))

	mock.Add(2 * time.Hour)
	assert.Equal(t, 1, m.Prune(time.Hour))

	_, ok := m.Proposal(approved.ID)
	assert.False(t, ok)
	_, ok = m.Result(approved.ID)
	assert.False(t, ok)
	_, ok = m.Proposal(open.ID)
	assert.True(t, ok, "voting proposals are never pruned")

	stats := m.Stats()
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Open)
}

func TestSweepHeartbeats(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(3, 0.75)
	m, _ := newManager(t, cfg, mock)
	p := propose(t, m)

	_, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)

	mock.Add(2 * cfg.HeartbeatInterval.Duration)
	_, err = m.Heartbeat("node-1")
	require.NoError(t, err)
	_, err = m.Heartbeat("node-2")
	require.NoError(t, err)
	assert.Equal(t, 0, m.SweepHeartbeats())

	mock.Add(2 * cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 1, m.SweepHeartbeats())

	n3, _ := m.Node("node-3")
	assert.Equal(t, blackboard.NodeStatusOffline, n3.Status)
	assert.Equal(t, 2, m.Stats().ActiveNodes)

	_, err = m.SubmitVote(p.ID, "node-3", blackboard.VoteApprove, "")
	assert.ErrorIs(t, err, ErrNodeInactive)

	t.Run("heartbeat restores offline node", func(t *testing.T) {
		n, err := m.Heartbeat("node-3")
		require.NoError(t, err)
		assert.Equal(t, blackboard.NodeStatusActive, n.Status)
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := m.Heartbeat("ghost")
		assert.ErrorIs(t, err, ErrUnknownNode)
	})
}

func TestSweepHeartbeats_ApprovingMinorityWaitsForDeadline(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(2, 0.75)
	m, obs := newManager(t, cfg, mock)
	p := propose(t, m)

	_, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)

	// node-2 drops out before voting, so quorum can no longer be reached
	mock.Add(4 * cfg.HeartbeatInterval.Duration)
	_, err = m.Heartbeat("node-1")
	require.NoError(t, err)
	require.Equal(t, 1, m.SweepHeartbeats())

	got, _ := m.Proposal(p.ID)
	assert.Equal(t, blackboard.ProposalStatusVoting, got.Status)
	assert.Empty(t, obs.all())

	mock.Add(cfg.VotingPeriod.Duration)
	require.Equal(t, 1, m.SweepDeadlines())

	result, _ := m.Result(p.ID)
	assert.Equal(t, blackboard.ProposalStatusExpired, result.Status)
	n1, _ := m.Node("node-1")
	assert.InDelta(t, 1.0, n1.Reputation, 1e-9)
}

func TestSweepHeartbeats_RejectingMinorityFinalizes(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(2, 0.5)
	m, obs := newManager(t, cfg, mock)
	p := propose(t, m)

	_, err := m.SubmitVote(p.ID, "node-1", blackboard.VoteReject, "")
	require.NoError(t, err)

	mock.Add(4 * cfg.HeartbeatInterval.Duration)
	_, err = m.Heartbeat("node-1")
	require.NoError(t, err)
	require.Equal(t, 1, m.SweepHeartbeats())

	got, _ := m.Proposal(p.ID)
	assert.Equal(t, blackboard.ProposalStatusRejected, got.Status)
	assert.Len(t, obs.all(), 1)
}

// TestFinalization_QuorumAndThreshold crosses quorum met or unmet with an
// approval rate above or below the threshold, and checks reputation moves
// only with the recorded outcome.
func TestFinalization_QuorumAndThreshold(t *testing.T) {
	type vote struct {
		node     string
		decision blackboard.VoteDecision
	}

	tests := []struct {
		name         string
		nodes        int
		threshold    float64
		lowRep       []string // below the floor before the proposal opens
		votes        []vote
		suspend      []string // leave the electorate after voting
		wantRequired int
		wantStatus   blackboard.ProposalStatus
		wantRep      map[string]float64
	}{
		{
			name:         "quorum met, rate above",
			nodes:        4,
			votes:        []vote{{"node-1", blackboard.VoteApprove}, {"node-2", blackboard.VoteApprove}, {"node-3", blackboard.VoteApprove}},
			wantRequired: 3,
			wantStatus:   blackboard.ProposalStatusApproved,
			wantRep:      map[string]float64{"node-1": 1.1, "node-2": 1.1, "node-3": 1.1, "node-4": 1.0},
		},
		{
			name:         "quorum met, rate below",
			nodes:        4,
			votes:        []vote{{"node-1", blackboard.VoteApprove}, {"node-2", blackboard.VoteReject}, {"node-3", blackboard.VoteReject}},
			wantRequired: 3,
			wantStatus:   blackboard.ProposalStatusRejected,
			wantRep:      map[string]float64{"node-1": 0.9, "node-2": 1.1, "node-3": 1.1, "node-4": 1.0},
		},
		{
			name:         "ineligible nodes are not counted in quorum",
			nodes:        4,
			lowRep:       []string{"node-3", "node-4"},
			votes:        []vote{{"node-1", blackboard.VoteApprove}, {"node-2", blackboard.VoteApprove}},
			wantRequired: 2,
			wantStatus:   blackboard.ProposalStatusApproved,
			wantRep:      map[string]float64{"node-1": 1.1, "node-2": 1.1, "node-3": 0.2, "node-4": 0.2},
		},
		{
			name:         "quorum unmet, rate above stays open",
			nodes:        3,
			votes:        []vote{{"node-1", blackboard.VoteApprove}},
			suspend:      []string{"node-2", "node-3"},
			wantRequired: 2,
			wantStatus:   blackboard.ProposalStatusVoting,
			wantRep:      map[string]float64{"node-1": 1.0, "node-2": 1.0, "node-3": 1.0},
		},
		{
			name:         "quorum unmet, rate below rejects",
			nodes:        3,
			threshold:    0.5,
			votes:        []vote{{"node-1", blackboard.VoteReject}},
			suspend:      []string{"node-2", "node-3"},
			wantRequired: 2,
			wantStatus:   blackboard.ProposalStatusRejected,
			wantRep:      map[string]float64{"node-1": 1.1, "node-2": 1.0, "node-3": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threshold := tt.threshold
			if threshold == 0 {
				threshold = 0.75
			}
			m, _ := newManager(t, testConfig(tt.nodes, threshold), clock.NewMock())

			m.mu.Lock()
			for _, id := range tt.lowRep {
				m.nodes[id].Reputation = 0.2
			}
			m.mu.Unlock()

			p := propose(t, m)
			assert.Equal(t, tt.wantRequired, p.RequiredVotes)

			for _, v := range tt.votes {
				_, err := m.SubmitVote(p.ID, v.node, v.decision, "")
				require.NoError(t, err)
			}
			for _, id := range tt.suspend {
				require.NoError(t, m.SetNodeStatus(id, blackboard.NodeStatusSuspended))
			}

			got, _ := m.Proposal(p.ID)
			assert.Equal(t, tt.wantStatus, got.Status)

			if result, ok := m.Result(p.ID); ok {
				assert.Equal(t, result.Status == blackboard.ProposalStatusApproved, result.ApprovalRate >= threshold)
			}

			for id, want := range tt.wantRep {
				n, _ := m.Node(id)
				assert.InDelta(t, want, n.Reputation, 1e-9, id)
			}
		})
	}
}

func TestReputationBounds(t *testing.T) {
	r := 1.0
	for i := 0; i < 30; i++ {
		r = adjustReputation(r, true)
	}
	assert.Equal(t, 2.0, r)

	for i := 0; i < 30; i++ {
		r = adjustReputation(r, false)
	}
	assert.Equal(t, 0.0, r)

	assert.InDelta(t, 1.1, adjustReputation(1.0, true), 1e-9)
}

func TestRun_SweepsOnClock(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(1, 0.75)
	m, obs := newManager(t, cfg, mock)
	propose(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return len(obs.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, blackboard.ProposalStatusExpired, obs.all()[0].Status)
}

func TestEvents(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	defer sub.Close()

	m, err := New(testConfig(1, 0.75), nil, bus, clock.NewMock())
	require.NoError(t, err)
	p, err := m.SubmitProposal(context.Background(), ProposalRequest{SkillID: "s"})
	require.NoError(t, err)
	_, err = m.SubmitVote(p.ID, "node-1", blackboard.VoteApprove, "")
	require.NoError(t, err)

	var finalized *blackboard.ConsensusResult
	for len(sub.Events()) > 0 {
		ev := <-sub.Events()
		assert.Equal(t, events.ComponentConsensus, ev.Component)
		if ev.Type == events.TypeFinalized {
			r := ev.Payload.(blackboard.ConsensusResult)
			finalized = &r
		}
	}
	require.NotNil(t, finalized)
	assert.Equal(t, blackboard.ProposalStatusApproved, finalized.Status)
}
