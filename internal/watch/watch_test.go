package watch

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

func setupClient(t *testing.T) *blackboard.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func mintingRequest(skillID string, status blackboard.MintingStatus) *blackboard.MintingRequest {
	return &blackboard.MintingRequest{
		ID:          uuid.New().String(),
		Artifact:    blackboard.Artifact{SkillID: skillID, Rank: 1, InputDim: 1, OutputDim: 1},
		Discovery:   blackboard.Discovery{Name: "n", Category: "c"},
		RequesterID: "agent-1",
		Status:      status,
	}
}

func TestPollForSkill(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	t.Run("returns request when already terminal", func(t *testing.T) {
		req := mintingRequest("skill-done", blackboard.MintingStatusMinted)
		require.NoError(t, client.SaveMintingRequest(ctx, req))

		found, err := PollForSkill(ctx, client, "skill-done", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, req.ID, found.ID)
		assert.Equal(t, blackboard.MintingStatusMinted, found.Status)
	})

	t.Run("waits through intermediate statuses", func(t *testing.T) {
		req := mintingRequest("skill-slow", blackboard.MintingStatusConsensusInProgress)
		require.NoError(t, client.SaveMintingRequest(ctx, req))

		go func() {
			time.Sleep(500 * time.Millisecond)
			req.Status = blackboard.MintingStatusConsensusFailed
			req.FailureReason = "proposal p rejected (0 approve, 1 reject)"
			client.SaveMintingRequest(context.Background(), req)
		}()

		start := time.Now()
		found, err := PollForSkill(ctx, client, "skill-slow", 2*time.Second)
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Equal(t, blackboard.MintingStatusConsensusFailed, found.Status)
		assert.Contains(t, found.FailureReason, "rejected")
		assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	})

	t.Run("returns error on timeout", func(t *testing.T) {
		start := time.Now()
		_, err := PollForSkill(ctx, client, "skill-missing", 500*time.Millisecond)
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout waiting for skill")
		assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
	})

	t.Run("returns error when context cancelled", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		_, err := PollForSkill(cancelCtx, client, "skill-missing", 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2025, 1, 2, 13, 4, 5, 0, time.UTC)

	tests := []struct {
		name     string
		event    events.Event
		expected string
	}{
		{
			name:     "registration",
			event:    events.Event{Type: events.TypeRegistered, Component: "queue", EntityID: "q-1", To: "pending", Timestamp: ts},
			expected: "13:04:05 📥 queue registered q-1: pending",
		},
		{
			name:     "transition",
			event:    events.Event{Type: events.TypeTransitioned, Component: "minting", EntityID: "m-1", From: "minting", To: "minted"},
			expected: "🔄 minting transitioned m-1: minting → minted",
		},
		{
			name: "failure with reason",
			event: events.Event{
				Type: events.TypeFailed, Component: "minting", EntityID: "m-2",
				Payload: map[string]interface{}{"failure_reason": "ledger mint failed", "status": "failed"},
			},
			expected: "❌ minting failed m-2 (failure_reason=ledger mint failed)",
		},
		{
			name: "finalized result",
			event: events.Event{
				Type: events.TypeFinalized, Component: "consensus", EntityID: "p-1",
				Payload: map[string]interface{}{"approve_votes": float64(3), "reject_votes": float64(0)},
			},
			expected: "✅ consensus finalized p-1 (approve_votes=3, reject_votes=0)",
		},
		{
			name:     "update",
			event:    events.Event{Type: events.TypeUpdated, Component: "consensus", EntityID: "node-1"},
			expected: "ℹ️ consensus updated node-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatEvent(tt.event))
		})
	}
}

// syncBuffer guards a bytes.Buffer shared with the streaming goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamEvents(t *testing.T) {
	client := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- StreamEvents(ctx, client, []string{"minting"}, &out) }()

	// Publish until the subscriber is live
	require.Eventually(t, func() bool {
		client.PublishEvent(context.Background(), events.Event{Type: events.TypeRegistered, Component: "queue", EntityID: "q-1"})
		client.PublishEvent(context.Background(), events.Event{Type: events.TypeFinalized, Component: "minting", EntityID: "m-1"})
		return strings.Contains(out.String(), "minting finalized m-1")
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.NotContains(t, out.String(), "queue")
}
