package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/crucible/internal/assignment"
	"github.com/dyluth/crucible/internal/clustering"
	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/consensus"
	"github.com/dyluth/crucible/internal/discovery"
	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/internal/minting"
	"github.com/dyluth/crucible/internal/queue"
	"github.com/dyluth/crucible/pkg/blackboard"
)

// eventBuffer is the persistence subscription's buffer on the in-process bus.
const eventBuffer = 1024

// persistTimeout bounds each Redis write made by the persistence loop.
const persistTimeout = 5 * time.Second

// pruneInterval is how often ended entities past their retention are dropped from memory.
const pruneInterval = time.Minute

// Engine is the long-lived orchestrator. It owns every engine, feeds them from
// the inbound Redis channels and mirrors their lifecycle events back to Redis.
type Engine struct {
	client       *blackboard.Client
	instanceName string
	cfg          *config.Config
	clock        clock.Clock

	bus    *events.Bus
	events *events.Subscription

	clustering *clustering.Engine
	tracker    *assignment.Tracker
	queue      *queue.Queue
	consensus  *consensus.Manager
	minting    *minting.Process
	ledger     minting.Ledger

	healthServer *HealthServer
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	analyzer queue.Analyzer
	ledger   minting.Ledger
	clock    clock.Clock
}

// WithAnalyzer replaces the heuristic discovery analyzer.
func WithAnalyzer(a queue.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithLedger uses the given ledger instead of the one selected by ledger.mode.
func WithLedger(l minting.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithClock sets the clock shared by every engine.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewEngine wires the orchestrator. A nil cfg uses config.Default().
func NewEngine(client *blackboard.Client, instanceName string, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.analyzer == nil {
		o.analyzer = discovery.NewHeuristicAnalyzer()
	}

	e := &Engine{
		client:       client,
		instanceName: instanceName,
		cfg:          cfg,
		clock:        o.clock,
		bus:          events.NewBus(),
	}

	// Subscribe before any engine exists so registrations from config are persisted too
	e.events = e.bus.Subscribe(eventBuffer)

	e.clustering = clustering.NewEngine(cfg.Clustering, e.bus, e.clock)

	tracker, err := assignment.NewTracker(cfg.Assignment, e.bus, e.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment tracker: %w", err)
	}
	e.tracker = tracker

	e.queue = queue.New(cfg.Queue, o.analyzer, e.bus, e.clock)

	manager, err := consensus.New(cfg.Consensus, consensus.TransportFunc(e.sendProposal), e.bus, e.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus manager: %w", err)
	}
	e.consensus = manager

	e.ledger = o.ledger
	if e.ledger == nil {
		e.ledger = e.connectLedger()
	}
	e.ledger = minting.NewRateLimitedLedger(e.ledger, cfg.Ledger.RateLimit)

	e.minting = minting.NewProcess(cfg.Minting, nil, e.consensus, e.ledger, e.bus, e.clock)
	e.consensus.AddObserver(e.minting)
	e.queue.OnCompleted(e.submitForMinting)

	e.healthServer = NewHealthServer(client, cfg.Health.Addr, e.Status)

	return e, nil
}

func (e *Engine) connectLedger() minting.Ledger {
	if e.cfg.Ledger.Mode == config.LedgerModeSimulated {
		log.Printf("[Orchestrator] Ledger in simulated mode")
		return minting.NewSimulatedLedger(e.clock)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.Ledger.ProbeAttempts)*(e.cfg.Ledger.ProbeDelay.Duration+persistTimeout))
	defer cancel()

	return minting.ConnectLedger(ctx, minting.NewRedisLedger(e.client, e.clock), e.cfg.Ledger.ProbeAttempts, e.cfg.Ledger.ProbeDelay.Duration, e.clock)
}

// sendProposal delivers a proposal to a node's Redis channel.
func (e *Engine) sendProposal(ctx context.Context, node blackboard.AgentCoreNode, proposal blackboard.ConsensusProposal) error {
	return e.client.PublishProposal(ctx, node.ID, &proposal)
}

// submitForMinting hands a discovered artifact to the minting process.
func (e *Engine) submitForMinting(item blackboard.QueueItem) {
	req, err := e.minting.Submit(minting.MintingInput{
		Artifact:    item.Artifact,
		Discovery:   *item.Discovery,
		RequesterID: item.Provenance.SubmittedBy,
		Priority:    item.Priority,
	})
	if err != nil {
		log.Printf("[Orchestrator] Failed to submit queue item %s for minting: %v", item.ID, err)
		return
	}

	e.logEvent("minting_submitted", map[string]interface{}{
		"queue_item_id": item.ID,
		"request_id":    req.ID,
		"skill_id":      req.Artifact.SkillID,
	})
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Returns error if the inbound subscription or health server
// cannot be started.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	log.Printf("[Orchestrator] Starting for instance '%s'", e.instanceName)

	if err := e.RecoverState(ctx); err != nil {
		e.healthServer.Shutdown(context.Background())
		return fmt.Errorf("failed to recover state: %w", err)
	}

	channels := make([]string, 0, len(blackboard.InboundKinds))
	kinds := make(map[string]string, len(blackboard.InboundKinds))
	for _, kind := range blackboard.InboundKinds {
		channel := blackboard.InboundChannel(e.instanceName, kind)
		channels = append(channels, channel)
		kinds[channel] = kind
	}

	subscription, err := e.client.Subscribe(ctx, channels...)
	if err != nil {
		e.healthServer.Shutdown(context.Background())
		return fmt.Errorf("failed to subscribe to inbound channels: %w", err)
	}
	defer subscription.Close()

	log.Printf("[Orchestrator] Subscribed to %d inbound channels", len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.queue.Run(gctx) })
	g.Go(func() error { return e.consensus.Run(gctx) })
	g.Go(func() error { return e.minting.Run(gctx) })
	g.Go(func() error { return e.inboundLoop(gctx, subscription, kinds) })
	g.Go(func() error { return e.persistLoop(gctx) })
	g.Go(func() error { return e.pruneLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		return e.healthServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Printf("[Orchestrator] Shutting down...")
	return err
}

func (e *Engine) inboundLoop(ctx context.Context, subscription *blackboard.Subscription, kinds map[string]string) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-subscription.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("inbound subscription closed")
			}

			kind := kinds[msg.Channel]
			if err := e.handleInbound(ctx, kind, msg.Payload); err != nil {
				// Continue processing - don't crash on a single bad message
				log.Printf("[Orchestrator] Rejected %s message: %v", kind, err)
				e.logEvent("inbound_rejected", map[string]interface{}{
					"kind":  kind,
					"error": err.Error(),
				})
			}
		}
	}
}

// handleInbound decodes one inbound message and routes it to its engine.
func (e *Engine) handleInbound(ctx context.Context, kind string, payload []byte) error {
	switch kind {
	case blackboard.InboundReports:
		var report blackboard.ErrorReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return fmt.Errorf("failed to decode report: %w", err)
		}
		return e.handleReport(ctx, report)

	case blackboard.InboundArtifacts:
		var sub blackboard.ArtifactSubmission
		if err := json.Unmarshal(payload, &sub); err != nil {
			return fmt.Errorf("failed to decode artifact submission: %w", err)
		}
		item, err := e.queue.Enqueue(sub.Artifact, sub.Provenance, sub.Priority)
		if err != nil {
			return err
		}
		e.logEvent("artifact_enqueued", map[string]interface{}{
			"queue_item_id": item.ID,
			"skill_id":      item.Artifact.SkillID,
			"priority":      item.Priority,
		})
		return nil

	case blackboard.InboundVotes:
		var vote blackboard.VoteMessage
		if err := json.Unmarshal(payload, &vote); err != nil {
			return fmt.Errorf("failed to decode vote: %w", err)
		}
		if err := vote.Validate(); err != nil {
			return fmt.Errorf("invalid vote: %w", err)
		}
		p, err := e.consensus.SubmitVote(vote.ProposalID, vote.NodeID, vote.Decision, vote.Reason)
		if err != nil {
			return err
		}
		e.logEvent("vote_recorded", map[string]interface{}{
			"proposal_id": p.ID,
			"node_id":     vote.NodeID,
			"decision":    vote.Decision,
			"status":      p.Status,
		})
		return nil

	case blackboard.InboundHeartbeats:
		var hb blackboard.HeartbeatMessage
		if err := json.Unmarshal(payload, &hb); err != nil {
			return fmt.Errorf("failed to decode heartbeat: %w", err)
		}
		if _, known := e.consensus.Node(hb.NodeID); !known && hb.Address != "" {
			_, err := e.consensus.RegisterNode(hb.NodeID, hb.Address)
			return err
		}
		_, err := e.consensus.Heartbeat(hb.NodeID)
		return err

	case blackboard.InboundSolutions:
		var msg blackboard.SolutionMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("failed to decode solution: %w", err)
		}
		solution, err := e.tracker.SubmitSolution(assignment.SolutionInput(msg))
		if err != nil {
			return err
		}
		e.logEvent("solution_submitted", map[string]interface{}{
			"solution_id": solution.ID,
			"agent_id":    solution.AgentID,
			"cluster_id":  solution.ClusterID,
		})
		return nil

	case blackboard.InboundValidations:
		var msg blackboard.ValidationMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("failed to decode validation: %w", err)
		}
		solution, err := e.tracker.ValidateSolution(msg.SolutionID, msg.Score)
		if err != nil {
			return err
		}
		return e.saveCluster(ctx, solution.ClusterID)

	default:
		return fmt.Errorf("unknown inbound kind %q", kind)
	}
}

// handleReport clusters a report and, when a new partition is produced,
// refreshes the tracker and assigns agents to under-staffed clusters.
func (e *Engine) handleReport(ctx context.Context, report blackboard.ErrorReport) error {
	partition, err := e.clustering.AddReport(report)
	if err != nil {
		return err
	}
	if partition == nil {
		return nil
	}

	limit := e.cfg.Assignment.MaxAgentsPerCluster
	for _, cluster := range partition {
		e.tracker.UpsertCluster(cluster)

		current, _ := e.tracker.Cluster(cluster.ID)
		if missing := limit - len(current.AssignedAgents); missing > 0 {
			assigned, err := e.tracker.Assign(cluster.ID, missing)
			if err != nil && !errors.Is(err, assignment.ErrNoAgents) {
				log.Printf("[Orchestrator] Failed to assign agents to cluster %s: %v", cluster.ID, err)
			}
			for _, a := range assigned {
				e.logEvent("agent_assigned", map[string]interface{}{
					"cluster_id": a.ClusterID,
					"agent_id":   a.AgentID,
					"score":      a.Score,
				})
			}
		}

		if err := e.saveCluster(ctx, cluster.ID); err != nil {
			return err
		}
	}

	return nil
}

// saveCluster persists the tracker's view of a cluster, which carries its
// assigned agents and owner.
func (e *Engine) saveCluster(ctx context.Context, clusterID string) error {
	cluster, ok := e.tracker.Cluster(clusterID)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := e.client.SaveCluster(ctx, &cluster); err != nil {
		return fmt.Errorf("failed to save cluster %s: %w", clusterID, err)
	}
	return nil
}

// pruneLoop drops ended queue items, proposals and minting requests once they
// are past their retention. Their snapshots stay in Redis.
func (e *Engine) pruneLoop(ctx context.Context) error {
	ticker := e.clock.Ticker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.prune()
		}
	}
}

func (e *Engine) prune() {
	items := e.queue.Prune(e.cfg.Queue.Retention.Duration)
	proposals := e.consensus.Prune(e.cfg.Consensus.Retention.Duration)
	requests := e.minting.Prune(e.cfg.Minting.Retention.Duration)
	if items+proposals+requests == 0 {
		return
	}

	e.logEvent("state_pruned", map[string]interface{}{
		"queue_items":      items,
		"proposals":        proposals,
		"minting_requests": requests,
	})
}

// persistLoop snapshots entities named by lifecycle events and forwards every
// event to the instance's lifecycle channel.
func (e *Engine) persistLoop(ctx context.Context) error {
	defer e.events.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-e.events.Events():
			if !ok {
				return nil
			}
			if err := e.persist(ctx, event); err != nil {
				log.Printf("[Orchestrator] Failed to persist %s %s event for %s: %v", event.Component, event.Type, event.EntityID, err)
			}
		}
	}
}

func (e *Engine) persist(ctx context.Context, event events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	switch payload := event.Payload.(type) {
	case blackboard.Agent:
		if err := e.client.SaveAgent(ctx, &payload); err != nil {
			return err
		}
	case blackboard.Ownership:
		if err := e.saveCluster(ctx, payload.ClusterID); err != nil {
			return err
		}
	case blackboard.ConsensusResult:
		if err := e.client.SaveConsensusResult(ctx, &payload); err != nil {
			return err
		}
	case blackboard.MintingRequest:
		if err := e.client.SaveMintingRequest(ctx, &payload); err != nil {
			return err
		}
	case blackboard.SkillRecord:
		if req, ok := e.minting.Get(payload.RequestID); ok {
			if err := e.client.SaveMintingRequest(ctx, &req); err != nil {
				return err
			}
		}
		if err := e.client.SaveSkillRecord(ctx, &payload); err != nil {
			return err
		}
		e.logEvent("skill_minted", map[string]interface{}{
			"skill_id":     payload.SkillID,
			"hash":         payload.Hash,
			"block_height": payload.BlockHeight,
			"simulated":    payload.Simulated,
		})
	}

	return e.client.PublishEvent(ctx, event)
}

// Status is the JSON body served on /status.
type Status struct {
	Instance      string          `json:"instance"`
	Reports       int             `json:"reports"`
	Clusters      int             `json:"clusters"`
	Agents        int             `json:"agents"`
	Queue         queue.Stats     `json:"queue"`
	Consensus     consensus.Stats `json:"consensus"`
	Minting       map[string]int  `json:"minting"`
	DroppedEvents int64           `json:"dropped_events"`
}

// Status returns a snapshot of every component's counters.
func (e *Engine) Status() Status {
	return Status{
		Instance:      e.instanceName,
		Reports:       e.clustering.Reports(),
		Clusters:      len(e.clustering.Clusters()),
		Agents:        len(e.tracker.Agents()),
		Queue:         e.queue.Stats(),
		Consensus:     e.consensus.Stats(),
		Minting:       e.minting.Stats(),
		DroppedEvents: e.events.Dropped(),
	}
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = e.clock.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "orchestrator"
	data["event_type"] = eventType
	data["instance"] = e.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Orchestrator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
