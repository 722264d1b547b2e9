package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in YAML as a Go duration string ("30s", "10m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config represents the top-level crucible.yml configuration
type Config struct {
	Version    string           `yaml:"version"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Queue      QueueConfig      `yaml:"queue"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Minting    MintingConfig    `yaml:"minting"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Health     HealthConfig     `yaml:"health"`
}

// FeatureWeights weights the five feature blocks in report similarity
type FeatureWeights struct {
	Classification float64 `yaml:"classification"`
	Context        float64 `yaml:"context"`
	Severity       float64 `yaml:"severity"`
	Tags           float64 `yaml:"tags"`
	Semantic       float64 `yaml:"semantic"`
}

// Sum returns the total weight.
func (w FeatureWeights) Sum() float64 {
	return w.Classification + w.Context + w.Severity + w.Tags + w.Semantic
}

// ClusteringConfig specifies clustering engine behaviour
type ClusteringConfig struct {
	MinClusterSize     int            `yaml:"min_cluster_size"`
	MaxClusterSize     int            `yaml:"max_cluster_size"`
	MaxClusters        int            `yaml:"max_clusters"`
	ReclusterEvery     int            `yaml:"recluster_every"` // re-cluster after this many new reports
	MaxIterations      int            `yaml:"max_iterations"`
	ConvergenceEpsilon float64        `yaml:"convergence_epsilon"`
	Weights            FeatureWeights `yaml:"weights"`
	SemanticVocabulary int            `yaml:"semantic_vocabulary"` // number of keywords in the semantic block
}

// AgentSpec declares an agent known at startup
type AgentSpec struct {
	ID          string   `yaml:"id"`
	Expertise   []string `yaml:"expertise"`
	Performance *float64 `yaml:"performance,omitempty"` // default 0.5
}

// AssignmentConfig specifies agent assignment behaviour
type AssignmentConfig struct {
	MaxAgentsPerCluster int         `yaml:"max_agents_per_cluster"`
	ValidationThreshold float64     `yaml:"validation_threshold"`
	Agents              []AgentSpec `yaml:"agents"`
}

// QueueConfig specifies processing queue behaviour
type QueueConfig struct {
	Capacity      int      `yaml:"capacity"`
	Workers       int      `yaml:"workers"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	MaxRetries    *int     `yaml:"max_retries,omitempty"` // 0 = never retry, default = 3
	RetryDelay    Duration `yaml:"retry_delay"`
	Timeout       Duration `yaml:"timeout"` // per analyzer call
	Retention     Duration `yaml:"retention"` // how long ended items stay in memory
}

// Retries returns the retry ceiling with defaults applied.
func (q QueueConfig) Retries() int {
	if q.MaxRetries == nil {
		return 3
	}
	return *q.MaxRetries
}

// NodeSpec declares an agent-core node known at startup
type NodeSpec struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// ConsensusConfig specifies consensus protocol behaviour
type ConsensusConfig struct {
	ApprovalThreshold    float64    `yaml:"approval_threshold"`
	MinParticipationRate float64    `yaml:"min_participation_rate"`
	VotingPeriod         Duration   `yaml:"voting_period"`
	MinReputation        *float64   `yaml:"min_reputation,omitempty"` // default 0.5
	HeartbeatInterval    Duration   `yaml:"heartbeat_interval"`
	MaxActiveProposals   int        `yaml:"max_active_proposals"`
	BroadcastTimeout     Duration   `yaml:"broadcast_timeout"`
	SweepInterval        Duration   `yaml:"sweep_interval"`
	Retention            Duration   `yaml:"retention"`
	Nodes                []NodeSpec `yaml:"nodes"`
}

// ReputationFloor returns the minimum voting reputation with defaults applied.
func (c ConsensusConfig) ReputationFloor() float64 {
	if c.MinReputation == nil {
		return 0.5
	}
	return *c.MinReputation
}

// MintingConfig specifies validation and minting behaviour
type MintingConfig struct {
	MinValidationScore float64  `yaml:"min_validation_score"`
	MaxConcurrent      int      `yaml:"max_concurrent"`
	PollInterval       Duration `yaml:"poll_interval"`
	ConsensusTimeout   Duration `yaml:"consensus_timeout"`
	LedgerTimeout      Duration `yaml:"ledger_timeout"`
	Retention          Duration `yaml:"retention"`
	MaxWeightMagnitude float64  `yaml:"max_weight_magnitude"`
	MaxLatencyMs       float64  `yaml:"max_latency_ms"`
	MaxMemoryMB        float64  `yaml:"max_memory_mb"`
}

// Ledger modes
const (
	LedgerModeRedis     = "redis"
	LedgerModeSimulated = "simulated"
)

// LedgerConfig specifies how minted skills are recorded
type LedgerConfig struct {
	Mode          string   `yaml:"mode"`
	ProbeAttempts int      `yaml:"probe_attempts"`
	ProbeDelay    Duration `yaml:"probe_delay"`
	RateLimit     float64  `yaml:"rate_limit"` // mints per second
}

// HealthConfig specifies the health server
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	c := &Config{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate applies defaults for omitted fields and performs strict validation
func (c *Config) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if err := c.Clustering.Validate(); err != nil {
		return fmt.Errorf("clustering: %w", err)
	}
	if err := c.Assignment.Validate(); err != nil {
		return fmt.Errorf("assignment: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if err := c.Minting.Validate(); err != nil {
		return fmt.Errorf("minting: %w", err)
	}
	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}

	return nil
}

func defaultInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func defaultFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func defaultDuration(v *Duration, def time.Duration) {
	if v.Duration == 0 {
		v.Duration = def
	}
}

// Validate applies clustering defaults and checks bounds
func (c *ClusteringConfig) Validate() error {
	defaultInt(&c.MinClusterSize, 3)
	defaultInt(&c.MaxClusterSize, 50)
	defaultInt(&c.MaxClusters, 10)
	defaultInt(&c.ReclusterEvery, 10)
	defaultInt(&c.MaxIterations, 100)
	defaultInt(&c.SemanticVocabulary, 200)
	defaultFloat(&c.ConvergenceEpsilon, 0.001)

	if c.Weights == (FeatureWeights{}) {
		c.Weights = FeatureWeights{Classification: 0.3, Context: 0.1, Severity: 0.1, Tags: 0.2, Semantic: 0.3}
	}

	if c.MinClusterSize < 1 {
		return fmt.Errorf("min_cluster_size must be >= 1, got %d", c.MinClusterSize)
	}
	if c.MaxClusterSize < c.MinClusterSize {
		return fmt.Errorf("max_cluster_size (%d) must be >= min_cluster_size (%d)", c.MaxClusterSize, c.MinClusterSize)
	}
	if c.MaxClusters < 1 || c.ReclusterEvery < 1 || c.MaxIterations < 1 || c.SemanticVocabulary < 1 {
		return fmt.Errorf("max_clusters, recluster_every, max_iterations and semantic_vocabulary must be >= 1")
	}
	if c.ConvergenceEpsilon <= 0 || c.ConvergenceEpsilon >= 1 {
		return fmt.Errorf("convergence_epsilon must be in (0,1), got %v", c.ConvergenceEpsilon)
	}

	w := c.Weights
	if w.Classification < 0 || w.Context < 0 || w.Severity < 0 || w.Tags < 0 || w.Semantic < 0 {
		return fmt.Errorf("feature weights must be >= 0")
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("feature weights must have a positive sum")
	}

	return nil
}

// Validate applies assignment defaults and checks bounds
func (c *AssignmentConfig) Validate() error {
	defaultInt(&c.MaxAgentsPerCluster, 3)
	defaultFloat(&c.ValidationThreshold, 0.7)

	if c.MaxAgentsPerCluster < 1 {
		return fmt.Errorf("max_agents_per_cluster must be >= 1, got %d", c.MaxAgentsPerCluster)
	}
	if c.ValidationThreshold < 0 || c.ValidationThreshold > 1 {
		return fmt.Errorf("validation_threshold must be in [0,1], got %v", c.ValidationThreshold)
	}

	seen := make(map[string]bool)
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.ID == "" {
			return fmt.Errorf("agent %d: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id '%s'", a.ID)
		}
		seen[a.ID] = true

		if a.Performance == nil {
			defaultPerformance := 0.5
			a.Performance = &defaultPerformance
		}
		if *a.Performance < 0 || *a.Performance > 1 {
			return fmt.Errorf("agent '%s': performance must be in [0,1], got %v", a.ID, *a.Performance)
		}
	}

	return nil
}

// Validate applies queue defaults and checks bounds
func (c *QueueConfig) Validate() error {
	defaultInt(&c.Capacity, 100)
	defaultInt(&c.Workers, 4)
	defaultInt(&c.MaxConcurrent, 4)
	defaultDuration(&c.RetryDelay, 5*time.Second)
	defaultDuration(&c.Timeout, 30*time.Second)
	defaultDuration(&c.Retention, time.Hour)

	if c.MaxRetries == nil {
		defaultRetries := 3
		c.MaxRetries = &defaultRetries
	}

	if c.Capacity < 1 || c.Workers < 1 || c.MaxConcurrent < 1 {
		return fmt.Errorf("capacity, workers and max_concurrent must be >= 1")
	}
	if *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", *c.MaxRetries)
	}
	if c.RetryDelay.Duration < 0 || c.Timeout.Duration < 0 || c.Retention.Duration < 0 {
		return fmt.Errorf("retry_delay, timeout and retention must be positive")
	}

	return nil
}

// Validate applies consensus defaults and checks bounds
func (c *ConsensusConfig) Validate() error {
	defaultFloat(&c.ApprovalThreshold, 0.67)
	defaultFloat(&c.MinParticipationRate, 0.67)
	defaultInt(&c.MaxActiveProposals, 50)
	defaultDuration(&c.VotingPeriod, 10*time.Minute)
	defaultDuration(&c.HeartbeatInterval, 30*time.Second)
	defaultDuration(&c.BroadcastTimeout, 5*time.Second)
	defaultDuration(&c.SweepInterval, time.Second)
	defaultDuration(&c.Retention, time.Hour)

	if c.MinReputation == nil {
		defaultReputation := 0.5
		c.MinReputation = &defaultReputation
	}

	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		return fmt.Errorf("approval_threshold must be in (0,1], got %v", c.ApprovalThreshold)
	}
	if c.MinParticipationRate <= 0 || c.MinParticipationRate > 1 {
		return fmt.Errorf("min_participation_rate must be in (0,1], got %v", c.MinParticipationRate)
	}
	if *c.MinReputation < 0 || *c.MinReputation > 2 {
		return fmt.Errorf("min_reputation must be in [0,2], got %v", *c.MinReputation)
	}
	if c.MaxActiveProposals < 1 {
		return fmt.Errorf("max_active_proposals must be >= 1, got %d", c.MaxActiveProposals)
	}
	if c.VotingPeriod.Duration < 0 || c.HeartbeatInterval.Duration < 0 || c.BroadcastTimeout.Duration < 0 || c.SweepInterval.Duration < 0 || c.Retention.Duration < 0 {
		return fmt.Errorf("durations must be positive")
	}

	seen := make(map[string]bool)
	for i, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node %d: id is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id '%s'", n.ID)
		}
		seen[n.ID] = true
	}

	return nil
}

// Validate applies minting defaults and checks bounds
func (c *MintingConfig) Validate() error {
	defaultFloat(&c.MinValidationScore, 0.7)
	defaultInt(&c.MaxConcurrent, 2)
	defaultDuration(&c.PollInterval, time.Second)
	defaultDuration(&c.ConsensusTimeout, 15*time.Minute)
	defaultDuration(&c.LedgerTimeout, 30*time.Second)
	defaultDuration(&c.Retention, time.Hour)
	defaultFloat(&c.MaxWeightMagnitude, 10)
	defaultFloat(&c.MaxLatencyMs, 1000)
	defaultFloat(&c.MaxMemoryMB, 1024)

	if c.MinValidationScore < 0 || c.MinValidationScore > 1 {
		return fmt.Errorf("min_validation_score must be in [0,1], got %v", c.MinValidationScore)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.MaxWeightMagnitude <= 0 || c.MaxLatencyMs <= 0 || c.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_weight_magnitude, max_latency_ms and max_memory_mb must be > 0")
	}
	if c.PollInterval.Duration < 0 || c.ConsensusTimeout.Duration < 0 || c.LedgerTimeout.Duration < 0 || c.Retention.Duration < 0 {
		return fmt.Errorf("durations must be positive")
	}

	return nil
}

// Validate applies ledger defaults and checks the mode
func (c *LedgerConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = LedgerModeRedis
	}
	defaultInt(&c.ProbeAttempts, 3)
	defaultDuration(&c.ProbeDelay, 2*time.Second)
	defaultFloat(&c.RateLimit, 5)

	if c.Mode != LedgerModeRedis && c.Mode != LedgerModeSimulated {
		return fmt.Errorf("invalid mode: %s (must be '%s' or '%s')", c.Mode, LedgerModeRedis, LedgerModeSimulated)
	}
	if c.ProbeAttempts < 1 {
		return fmt.Errorf("probe_attempts must be >= 1, got %d", c.ProbeAttempts)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be > 0, got %v", c.RateLimit)
	}

	return nil
}

// Load reads and validates crucible.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
