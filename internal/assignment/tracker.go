// Package assignment scores agents against clusters, records assignments and
// solutions, and tracks which agent owns each cluster.
package assignment

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var (
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrDuplicateAgent     = errors.New("agent already registered")
	ErrUnknownCluster     = errors.New("unknown cluster")
	ErrUnknownSolution    = errors.New("unknown solution")
	ErrAlreadyValidated   = errors.New("solution already validated")
	ErrReportNotInCluster = errors.New("report is not a member of the cluster")
	ErrNoAgents           = errors.New("no agents registered")
)

// Scoring weights for agent selection.
const (
	weightExpertise   = 0.4
	weightPerformance = 0.3
	weightSuccess     = 0.2
	weightAvailable   = 0.1
)

var requiredExpertise = map[string][]string{
	"syntax":      {"syntax", "parsing"},
	"type":        {"type-systems", "static-analysis"},
	"runtime":     {"runtime", "debugging"},
	"network":     {"networking", "distributed-systems"},
	"database":    {"databases", "sql"},
	"memory":      {"memory-management", "profiling"},
	"security":    {"security", "cryptography"},
	"performance": {"performance", "profiling"},
	"concurrency": {"concurrency", "distributed-systems"},
}

var defaultExpertise = []string{"general", "debugging"}

// RequiredExpertise returns the expertise tags needed for an error classification.
// Both "network" and "network_error" map to the same requirements.
func RequiredExpertise(classification string) []string {
	key := strings.TrimSuffix(strings.ToLower(classification), "_error")
	if tags, ok := requiredExpertise[key]; ok {
		return append([]string(nil), tags...)
	}
	return append([]string(nil), defaultExpertise...)
}

// SolutionInput is a candidate fix submitted by an agent.
type SolutionInput struct {
	AgentID       string  `json:"agent_id"`
	ClusterID     string  `json:"cluster_id"`
	ReportID      string  `json:"report_id"`
	Code          string  `json:"code"`
	Description   string  `json:"description"`
	Approach      string  `json:"approach"`
	Effectiveness float64 `json:"effectiveness"`
}

// Tracker owns agents, the tracker's view of clusters, assignments, solutions
// and ownership records. All methods are safe for concurrent use.
type Tracker struct {
	cfg     config.AssignmentConfig
	emitter events.Emitter
	clock   clock.Clock

	mu           sync.Mutex
	agents       map[string]*blackboard.Agent
	clusters     map[string]*blackboard.Cluster
	solutions    map[string]*blackboard.Solution
	reportBounty map[string]float64  // solution id -> bounty of the report it fixes
	byCluster    map[string][]string // cluster id -> solution ids in submission order
	ownership    map[string]blackboard.Ownership
	assignments  map[string][]blackboard.Assignment // cluster id -> assignments
}

// NewTracker creates a tracker and registers the agents declared in cfg.
func NewTracker(cfg config.AssignmentConfig, emitter events.Emitter, clk clock.Clock) (*Tracker, error) {
	if emitter == nil {
		emitter = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}

	t := &Tracker{
		cfg:          cfg,
		emitter:      emitter,
		clock:        clk,
		agents:       make(map[string]*blackboard.Agent),
		clusters:     make(map[string]*blackboard.Cluster),
		solutions:    make(map[string]*blackboard.Solution),
		reportBounty: make(map[string]float64),
		byCluster:    make(map[string][]string),
		ownership:    make(map[string]blackboard.Ownership),
		assignments:  make(map[string][]blackboard.Assignment),
	}

	for _, spec := range cfg.Agents {
		performance := 0.5
		if spec.Performance != nil {
			performance = *spec.Performance
		}
		if _, err := t.RegisterAgent(spec.ID, spec.Expertise, performance); err != nil {
			return nil, fmt.Errorf("failed to register agent %s: %w", spec.ID, err)
		}
	}

	return t, nil
}

// RegisterAgent adds an agent with the given expertise and starting performance.
func (t *Tracker) RegisterAgent(id string, expertise []string, performance float64) (blackboard.Agent, error) {
	if id == "" {
		return blackboard.Agent{}, fmt.Errorf("agent ID cannot be empty")
	}
	if performance < 0 || performance > 1 || math.IsNaN(performance) {
		return blackboard.Agent{}, fmt.Errorf("performance must be in [0,1], got %v", performance)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.agents[id]; exists {
		return blackboard.Agent{}, fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}

	agent := &blackboard.Agent{
		ID:           id,
		Expertise:    append([]string(nil), expertise...),
		Performance:  performance,
		LastActiveMs: t.clock.Now().UnixMilli(),
	}
	t.agents[id] = agent

	t.emit(events.TypeRegistered, id, "", "", cloneAgent(agent))
	return cloneAgent(agent), nil
}

// UpsertCluster records the latest version of a cluster. For a cluster already
// known to the tracker, its assigned agents and owner are kept from the tracker's view.
func (t *Tracker) UpsertCluster(cluster blackboard.Cluster) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := cluster.Clone()
	if existing, ok := t.clusters[cluster.ID]; ok {
		next.AssignedAgents = append([]string(nil), existing.AssignedAgents...)
		next.OwnerAgent = existing.OwnerAgent
		next.OwnershipScore = existing.OwnershipScore
	}
	t.clusters[cluster.ID] = &next
}

// RestoreAgent loads a persisted agent snapshot, replacing any agent of the
// same id registered from configuration. Nothing is emitted.
func (t *Tracker) RestoreAgent(agent blackboard.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	restored := cloneAgent(&agent)
	t.agents[agent.ID] = &restored
	return nil
}

// RestoreCluster loads a persisted cluster snapshot, including its assigned
// agents and owner. Later UpsertCluster calls keep those fields.
func (t *Tracker) RestoreCluster(cluster blackboard.Cluster) error {
	if cluster.ID == "" {
		return fmt.Errorf("cluster ID cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	restored := cluster.Clone()
	t.clusters[cluster.ID] = &restored
	return nil
}

// Assign selects up to maxAgents agents for a cluster and records one assignment
// each. Agents already assigned to the cluster are not selected again. A
// non-positive maxAgents uses max_agents_per_cluster.
func (t *Tracker) Assign(clusterID string, maxAgents int) ([]blackboard.Assignment, error) {
	if maxAgents <= 0 {
		maxAgents = t.cfg.MaxAgentsPerCluster
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cluster, ok := t.clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}
	if len(t.agents) == 0 {
		return nil, ErrNoAgents
	}

	required := RequiredExpertise(dominantClassification(cluster))
	already := make(map[string]bool, len(cluster.AssignedAgents))
	for _, id := range cluster.AssignedAgents {
		already[id] = true
	}

	type candidate struct {
		agent *blackboard.Agent
		score float64
	}
	candidates := make([]candidate, 0, len(t.agents))
	for _, a := range t.agents {
		if already[a.ID] {
			continue
		}
		candidates = append(candidates, candidate{agent: a, score: Score(a, required)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})
	if len(candidates) > maxAgents {
		candidates = candidates[:maxAgents]
	}

	now := t.clock.Now().UnixMilli()
	out := make([]blackboard.Assignment, 0, len(candidates))
	for _, c := range candidates {
		a := blackboard.Assignment{
			ID:           uuid.New().String(),
			AgentID:      c.agent.ID,
			ClusterID:    clusterID,
			Score:        c.score,
			AssignedAtMs: now,
		}

		c.agent.AssignedClusters = append(c.agent.AssignedClusters, clusterID)
		c.agent.LastActiveMs = now
		cluster.AssignedAgents = append(cluster.AssignedAgents, c.agent.ID)
		t.assignments[clusterID] = append(t.assignments[clusterID], a)
		out = append(out, a)

		t.emit(events.TypeRegistered, a.ID, "", "", a)
	}

	if len(out) > 0 {
		cluster.UpdatedAtMs = now
		log.Printf("[Assignment] Assigned %d agents to cluster %s", len(out), clusterID)
	}

	return out, nil
}

// Score rates an agent for a set of required expertise tags.
func Score(agent *blackboard.Agent, required []string) float64 {
	overlap := 0.0
	if len(required) > 0 {
		have := make(map[string]bool, len(agent.Expertise))
		for _, e := range agent.Expertise {
			have[strings.ToLower(e)] = true
		}
		matched := 0
		for _, r := range required {
			if have[strings.ToLower(r)] {
				matched++
			}
		}
		overlap = float64(matched) / float64(len(required))
	}

	availability := 1 / (1 + float64(len(agent.AssignedClusters)))

	return weightExpertise*overlap +
		weightPerformance*agent.Performance +
		weightSuccess*agent.SuccessRate +
		weightAvailable*availability
}

// SubmitSolution records a pending solution for one report of a cluster.
func (t *Tracker) SubmitSolution(in SolutionInput) (blackboard.Solution, error) {
	if in.Effectiveness < 0 || in.Effectiveness > 1 {
		return blackboard.Solution{}, fmt.Errorf("effectiveness must be in [0,1], got %v", in.Effectiveness)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	agent, ok := t.agents[in.AgentID]
	if !ok {
		return blackboard.Solution{}, fmt.Errorf("%w: %s", ErrUnknownAgent, in.AgentID)
	}
	cluster, ok := t.clusters[in.ClusterID]
	if !ok {
		return blackboard.Solution{}, fmt.Errorf("%w: %s", ErrUnknownCluster, in.ClusterID)
	}
	report, ok := cluster.Member(in.ReportID)
	if !ok {
		return blackboard.Solution{}, fmt.Errorf("%w: %s", ErrReportNotInCluster, in.ReportID)
	}

	now := t.clock.Now().UnixMilli()
	s := &blackboard.Solution{
		ID:            uuid.New().String(),
		AgentID:       in.AgentID,
		ClusterID:     in.ClusterID,
		ReportID:      in.ReportID,
		Code:          in.Code,
		Description:   in.Description,
		Approach:      in.Approach,
		Effectiveness: in.Effectiveness,
		Status:        blackboard.SolutionStatusPending,
		SubmittedAtMs: now,
	}

	t.solutions[s.ID] = s
	t.reportBounty[s.ID] = report.Bounty
	t.byCluster[in.ClusterID] = append(t.byCluster[in.ClusterID], s.ID)

	agent.Submitted++
	agent.SuccessRate = successRate(agent)
	agent.LastActiveMs = now

	t.emit(events.TypeRegistered, s.ID, "", string(s.Status), *s)
	return *s, nil
}

// ValidateSolution applies an external validation score to a pending solution.
// A score at or above validation_threshold validates the solution and pays its
// bounty to the agent; ownership of the cluster is then recomputed.
func (t *Tracker) ValidateSolution(solutionID string, score float64) (blackboard.Solution, error) {
	if score < 0 || score > 1 || math.IsNaN(score) {
		return blackboard.Solution{}, fmt.Errorf("validation score must be in [0,1], got %v", score)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.solutions[solutionID]
	if !ok {
		return blackboard.Solution{}, fmt.Errorf("%w: %s", ErrUnknownSolution, solutionID)
	}
	if s.Status != blackboard.SolutionStatusPending {
		return blackboard.Solution{}, fmt.Errorf("%w: %s is %s", ErrAlreadyValidated, solutionID, s.Status)
	}
	agent, ok := t.agents[s.AgentID]
	if !ok {
		return blackboard.Solution{}, fmt.Errorf("%w: %s", ErrUnknownAgent, s.AgentID)
	}

	now := t.clock.Now().UnixMilli()
	s.ValidationScore = score
	s.ValidatedAtMs = now

	if score >= t.cfg.ValidationThreshold {
		s.Status = blackboard.SolutionStatusValidated
		s.Bounty = math.Round(t.reportBounty[s.ID]*score*100) / 100

		agent.Validated++
		agent.TotalBounty += s.Bounty
		agent.Reputation += int(math.Floor(s.Bounty / 100))
		agent.Performance = 0.8*agent.Performance + 0.2*score
	} else {
		s.Status = blackboard.SolutionStatusRejected
	}
	agent.SuccessRate = successRate(agent)
	agent.LastActiveMs = now

	t.emit(events.TypeTransitioned, s.ID, string(blackboard.SolutionStatusPending), string(s.Status), *s)
	t.emit(events.TypeUpdated, agent.ID, "", "", cloneAgent(agent))

	if _, err := t.recomputeOwnershipLocked(s.ClusterID); err != nil {
		log.Printf("[Assignment] Failed to recompute ownership of %s: %v", s.ClusterID, err)
	}

	return *s, nil
}

// RecomputeOwnership recounts validated solutions for a cluster and updates its
// owner. Calling it again on an unchanged solution set yields the same record.
func (t *Tracker) RecomputeOwnership(clusterID string) (blackboard.Ownership, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.recomputeOwnershipLocked(clusterID)
}

func (t *Tracker) recomputeOwnershipLocked(clusterID string) (blackboard.Ownership, error) {
	cluster, ok := t.clusters[clusterID]
	if !ok {
		return blackboard.Ownership{}, fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}

	counts := make(map[string]int)
	total := 0
	for _, id := range t.byCluster[clusterID] {
		if s := t.solutions[id]; s.Status == blackboard.SolutionStatusValidated {
			counts[s.AgentID]++
			total++
		}
	}

	// Only a strict majority displaces the incumbent
	owner := cluster.OwnerAgent
	for agentID, n := range counts {
		if 2*n > total {
			owner = agentID
			break
		}
	}

	score := 0.0
	if owner != "" && total > 0 {
		score = float64(counts[owner]) / float64(total)
	}

	record := blackboard.Ownership{
		ClusterID:      clusterID,
		OwnerAgent:     owner,
		Score:          score,
		Counts:         counts,
		TotalValidated: total,
	}

	previous := cluster.OwnerAgent
	cluster.OwnershipScore = score
	if owner != previous {
		cluster.OwnerAgent = owner
		cluster.UpdatedAtMs = t.clock.Now().UnixMilli()

		if a, ok := t.agents[previous]; ok {
			a.OwnedClusters = removeString(a.OwnedClusters, clusterID)
		}
		if a, ok := t.agents[owner]; ok {
			a.OwnedClusters = append(a.OwnedClusters, clusterID)
		}

		log.Printf("[Assignment] Cluster %s ownership %q -> %q (score %.2f)", clusterID, previous, owner, score)
		t.emit(events.TypeUpdated, clusterID, previous, owner, cloneOwnership(record))
	}

	t.ownership[clusterID] = record
	return cloneOwnership(record), nil
}

// Agent returns a copy of an agent.
func (t *Tracker) Agent(id string) (blackboard.Agent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[id]
	if !ok {
		return blackboard.Agent{}, false
	}
	return cloneAgent(a), true
}

// Agents returns copies of every agent ordered by id.
func (t *Tracker) Agents() []blackboard.Agent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]blackboard.Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cluster returns a copy of the tracker's view of a cluster.
func (t *Tracker) Cluster(id string) (blackboard.Cluster, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.clusters[id]
	if !ok {
		return blackboard.Cluster{}, false
	}
	return c.Clone(), true
}

// Solution returns a copy of a solution.
func (t *Tracker) Solution(id string) (blackboard.Solution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.solutions[id]
	if !ok {
		return blackboard.Solution{}, false
	}
	return *s, true
}

// Solutions returns a cluster's solutions in submission order.
func (t *Tracker) Solutions(clusterID string) []blackboard.Solution {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]blackboard.Solution, 0, len(t.byCluster[clusterID]))
	for _, id := range t.byCluster[clusterID] {
		out = append(out, *t.solutions[id])
	}
	return out
}

// Ownership returns the last computed ownership record for a cluster.
func (t *Tracker) Ownership(clusterID string) (blackboard.Ownership, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.ownership[clusterID]
	if !ok {
		return blackboard.Ownership{}, false
	}
	return cloneOwnership(o), true
}

// Assignments returns the assignments recorded for a cluster in creation order.
func (t *Tracker) Assignments(clusterID string) []blackboard.Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]blackboard.Assignment(nil), t.assignments[clusterID]...)
}

func (t *Tracker) emit(typ events.Type, entityID, from, to string, payload interface{}) {
	t.emitter.Emit(events.Event{
		Type:      typ,
		Component: events.ComponentAssignment,
		EntityID:  entityID,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: t.clock.Now(),
	})
}

func successRate(a *blackboard.Agent) float64 {
	if a.Submitted == 0 {
		return 0
	}
	return float64(a.Validated) / float64(a.Submitted)
}

func dominantClassification(c *blackboard.Cluster) string {
	counts := make(map[string]int)
	for _, m := range c.Members {
		counts[m.Classification]++
	}

	best, bestCount := "", 0
	for class, n := range counts {
		if n > bestCount || (n == bestCount && class < best) {
			best, bestCount = class, n
		}
	}
	return best
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func cloneAgent(a *blackboard.Agent) blackboard.Agent {
	out := *a
	out.Expertise = append([]string(nil), a.Expertise...)
	out.AssignedClusters = append([]string(nil), a.AssignedClusters...)
	out.OwnedClusters = append([]string(nil), a.OwnedClusters...)
	return out
}

func cloneOwnership(o blackboard.Ownership) blackboard.Ownership {
	counts := make(map[string]int, len(o.Counts))
	for k, v := range o.Counts {
		counts[k] = v
	}
	o.Counts = counts
	return o
}
