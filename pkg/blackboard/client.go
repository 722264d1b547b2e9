package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the blackboard.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new blackboard client for the specified instance.
// The client automatically namespaces all keys and channels with the instance name.
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace this client writes under.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SaveCluster writes a cluster snapshot as JSON and adds it to the cluster index.
// Saving the same cluster twice overwrites the previous snapshot.
func (c *Client) SaveCluster(ctx context.Context, cluster *Cluster) error {
	data, err := json.Marshal(cluster)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, ClusterKey(c.instanceName, cluster.ID), data, 0)
	pipe.SAdd(ctx, ClustersIndexKey(c.instanceName), cluster.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write cluster to Redis: %w", err)
	}

	return nil
}

// GetCluster retrieves a cluster snapshot by ID.
// Returns (nil, redis.Nil) if the cluster doesn't exist.
func (c *Client) GetCluster(ctx context.Context, clusterID string) (*Cluster, error) {
	data, err := c.rdb.Get(ctx, ClusterKey(c.instanceName, clusterID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read cluster from Redis: %w", err)
	}

	var cluster Cluster
	if err := json.Unmarshal(data, &cluster); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cluster: %w", err)
	}

	return &cluster, nil
}

// ClusterIDs returns the ids of every cluster ever saved for this instance.
func (c *Client) ClusterIDs(ctx context.Context) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, ClustersIndexKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster index: %w", err)
	}
	return ids, nil
}

// SaveAgent writes an agent snapshot as JSON.
func (c *Client) SaveAgent(ctx context.Context, agent *Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	if err := c.rdb.Set(ctx, AgentKey(c.instanceName, agent.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write agent to Redis: %w", err)
	}

	return nil
}

// GetAgent retrieves an agent snapshot by ID.
// Returns (nil, redis.Nil) if the agent doesn't exist.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	data, err := c.rdb.Get(ctx, AgentKey(c.instanceName, agentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read agent from Redis: %w", err)
	}

	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}

	return &agent, nil
}

// SaveConsensusResult archives a finalized consensus result.
func (c *Client) SaveConsensusResult(ctx context.Context, result *ConsensusResult) error {
	key := ConsensusResultKey(c.instanceName, result.ProposalID)
	if err := c.rdb.HSet(ctx, key, ConsensusResultToHash(result)).Err(); err != nil {
		return fmt.Errorf("failed to write consensus result to Redis: %w", err)
	}
	return nil
}

// GetConsensusResult retrieves an archived consensus result by proposal ID.
// Returns (nil, redis.Nil) if no result was archived.
func (c *Client) GetConsensusResult(ctx context.Context, proposalID string) (*ConsensusResult, error) {
	hashData, err := c.rdb.HGetAll(ctx, ConsensusResultKey(c.instanceName, proposalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read consensus result from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	result, err := HashToConsensusResult(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize consensus result: %w", err)
	}

	return result, nil
}

// SaveMintingRequest writes a minting request snapshot (full HSET replacement)
// and indexes it by the artifact's skill id.
// Validates the request before writing.
func (c *Client) SaveMintingRequest(ctx context.Context, m *MintingRequest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid minting request: %w", err)
	}

	hash, err := MintingRequestToHash(m)
	if err != nil {
		return fmt.Errorf("failed to serialize minting request: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, MintingRequestKey(c.instanceName, m.ID), hash)
	pipe.Set(ctx, SkillByArtifactKey(c.instanceName, m.Artifact.SkillID), m.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write minting request to Redis: %w", err)
	}

	return nil
}

// GetMintingRequest retrieves a minting request by ID.
// Returns (nil, redis.Nil) if the request doesn't exist.
func (c *Client) GetMintingRequest(ctx context.Context, requestID string) (*MintingRequest, error) {
	hashData, err := c.rdb.HGetAll(ctx, MintingRequestKey(c.instanceName, requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read minting request from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	m, err := HashToMintingRequest(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize minting request: %w", err)
	}

	return m, nil
}

// ScanMintingRequests returns the ids of minting requests whose id starts
// with prefix, sorted.
func (c *Client) ScanMintingRequests(ctx context.Context, prefix string) ([]string, error) {
	keyPrefix := MintingRequestKey(c.instanceName, "")
	pattern := keyPrefix + prefix + "*"

	var ids []string
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan minting requests: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, keyPrefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	sort.Strings(ids)
	return ids, nil
}

// GetMintingRequestForSkill looks up the latest minting request created for an
// artifact skill id. Returns (nil, redis.Nil) when none exists yet.
func (c *Client) GetMintingRequestForSkill(ctx context.Context, skillID string) (*MintingRequest, error) {
	requestID, err := c.rdb.Get(ctx, SkillByArtifactKey(c.instanceName, skillID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read skill index: %w", err)
	}

	return c.GetMintingRequest(ctx, requestID)
}

// SaveSkillRecord stores a minted skill and indexes it by mint time.
func (c *Client) SaveSkillRecord(ctx context.Context, r *SkillRecord) error {
	if r.SkillID == "" {
		return fmt.Errorf("skill record ID cannot be empty")
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, SkillKey(c.instanceName, r.SkillID), SkillRecordToHash(r))
	pipe.ZAdd(ctx, SkillsIndexKey(c.instanceName), redis.Z{Score: float64(r.MintedAtMs), Member: r.SkillID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write skill record to Redis: %w", err)
	}

	return nil
}

// GetSkillRecord retrieves a minted skill by skill id.
// Returns (nil, redis.Nil) if the skill was never minted.
func (c *Client) GetSkillRecord(ctx context.Context, skillID string) (*SkillRecord, error) {
	hashData, err := c.rdb.HGetAll(ctx, SkillKey(c.instanceName, skillID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read skill record from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	r, err := HashToSkillRecord(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize skill record: %w", err)
	}

	return r, nil
}

// ListSkills returns minted skills in mint order, oldest first.
func (c *Client) ListSkills(ctx context.Context) ([]*SkillRecord, error) {
	ids, err := c.rdb.ZRange(ctx, SkillsIndexKey(c.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read skill index: %w", err)
	}

	skills := make([]*SkillRecord, 0, len(ids))
	for _, id := range ids {
		r, err := c.GetSkillRecord(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		skills = append(skills, r)
	}

	return skills, nil
}

// AppendLedgerTx records a ledger transaction and returns the block height it
// was written at. Heights start at 1 and increase by one per transaction.
func (c *Client) AppendLedgerTx(ctx context.Context, txHash, skillHash, proof string, timestampMs int64) (int64, error) {
	height, err := c.rdb.Incr(ctx, LedgerHeightKey(c.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance ledger height: %w", err)
	}

	tx := map[string]interface{}{
		"tx_hash":      txHash,
		"skill_hash":   skillHash,
		"proof":        proof,
		"block_height": height,
		"timestamp_ms": timestampMs,
	}
	if err := c.rdb.HSet(ctx, LedgerTxKey(c.instanceName, txHash), tx).Err(); err != nil {
		return 0, fmt.Errorf("failed to write ledger transaction: %w", err)
	}

	return height, nil
}

// PublishEvent publishes a lifecycle event as JSON on the lifecycle channel.
func (c *Client) PublishEvent(ctx context.Context, event interface{}) error {
	return c.publishJSON(ctx, LifecycleEventsChannel(c.instanceName), event)
}

// PublishInbound publishes a message on one of the orchestrator's inbound channels.
func (c *Client) PublishInbound(ctx context.Context, kind string, message interface{}) error {
	return c.publishJSON(ctx, InboundChannel(c.instanceName, kind), message)
}

// PublishProposal delivers a proposal to a single node's channel.
// Returns an error when no subscriber received it, so the broadcaster can log the miss.
func (c *Client) PublishProposal(ctx context.Context, nodeID string, proposal *ConsensusProposal) error {
	data, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}

	receivers, err := c.rdb.Publish(ctx, NodeProposalsChannel(c.instanceName, nodeID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish proposal: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("no subscriber for node %s", nodeID)
	}

	return nil
}

func (c *Client) publishJSON(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", channel, err)
	}

	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	return nil
}

// Message is a raw Pub/Sub message together with the channel it arrived on.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription represents an active Pub/Sub subscription.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	messages <-chan Message
	cancel   func()
	once     sync.Once
}

// Messages returns the channel of received messages.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe subscribes to the given fully-qualified channels.
// Messages are delivered on a buffered channel (size 10); decoding is left to the caller.
// Context cancellation also stops the subscription.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	pubsub := c.rdb.Subscribe(ctx, channels...)

	// Wait for the subscription to be confirmed so publishes after return are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	messagesChan := make(chan Message, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(messagesChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				select {
				case messagesChan <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		messages: messagesChan,
		cancel:   cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
