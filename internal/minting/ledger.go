package minting

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/dyluth/crucible/pkg/blackboard"
)

// Receipt is the ledger's record of one mint.
type Receipt struct {
	BlockHeight int64  `json:"block_height"`
	TxHash      string `json:"tx_hash"`
	Simulated   bool   `json:"simulated"`
}

// Ledger records minted skills.
type Ledger interface {
	Ping(ctx context.Context) error
	Mint(ctx context.Context, skillHash, proof string) (Receipt, error)
}

// ContentHash is the deterministic identity of a skill: SHA-256 over a
// length-prefixed big-endian encoding of the artifact and its discovery name
// and category, hex encoded.
func ContentHash(artifact blackboard.Artifact, discovery blackboard.Discovery) string {
	h := sha256.New()
	buf := make([]byte, 8)

	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(buf, v)
		h.Write(buf)
	}
	writeString := func(s string) {
		writeUint(uint64(len(s)))
		h.Write([]byte(s))
	}
	writeFloats := func(values []float64) {
		writeUint(uint64(len(values)))
		for _, v := range values {
			writeUint(math.Float64bits(v))
		}
	}

	writeString(artifact.SkillID)
	writeUint(uint64(artifact.Rank))
	writeUint(math.Float64bits(artifact.Alpha))
	writeUint(uint64(artifact.InputDim))
	writeUint(uint64(artifact.OutputDim))
	writeFloats(artifact.WeightsA)
	writeFloats(artifact.WeightsB)
	writeString(discovery.Name)
	writeString(discovery.Category)

	return hex.EncodeToString(h.Sum(nil))
}

func txHash(skillHash, proof string, tsMs int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", skillHash, proof, tsMs)))
	return hex.EncodeToString(sum[:])
}

// RedisLedger appends mints to a hash chain kept on the blackboard.
type RedisLedger struct {
	client *blackboard.Client
	clock  clock.Clock
}

// NewRedisLedger creates a ledger backed by the blackboard client.
func NewRedisLedger(client *blackboard.Client, clk clock.Clock) *RedisLedger {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisLedger{client: client, clock: clk}
}

// Ping checks Redis connectivity.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx)
}

// Mint appends a transaction and returns its height.
func (l *RedisLedger) Mint(ctx context.Context, skillHash, proof string) (Receipt, error) {
	ts := l.clock.Now().UnixMilli()
	tx := txHash(skillHash, proof, ts)

	height, err := l.client.AppendLedgerTx(ctx, tx, skillHash, proof, ts)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to append ledger transaction: %w", err)
	}
	return Receipt{BlockHeight: height, TxHash: tx}, nil
}

// SimulatedLedger records mints in memory. Used in offline mode.
type SimulatedLedger struct {
	clock  clock.Clock
	mu     sync.Mutex
	height int64
}

// NewSimulatedLedger creates an empty simulated ledger.
func NewSimulatedLedger(clk clock.Clock) *SimulatedLedger {
	if clk == nil {
		clk = clock.New()
	}
	return &SimulatedLedger{clock: clk}
}

// Ping always succeeds.
func (l *SimulatedLedger) Ping(ctx context.Context) error {
	return nil
}

// Mint returns the next simulated height.
func (l *SimulatedLedger) Mint(ctx context.Context, skillHash, proof string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	l.height++
	height := l.height
	l.mu.Unlock()

	return Receipt{
		BlockHeight: height,
		TxHash:      "sim-" + txHash(skillHash, proof, l.clock.Now().UnixMilli()),
		Simulated:   true,
	}, nil
}

// RateLimitedLedger caps the mint rate of the wrapped ledger.
type RateLimitedLedger struct {
	inner   Ledger
	limiter *rate.Limiter
}

// NewRateLimitedLedger allows perSecond mints per second with a burst of one.
func NewRateLimitedLedger(inner Ledger, perSecond float64) *RateLimitedLedger {
	return &RateLimitedLedger{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Ping passes through without consuming a token.
func (l *RateLimitedLedger) Ping(ctx context.Context) error {
	return l.inner.Ping(ctx)
}

// Mint waits for a token, then mints.
func (l *RateLimitedLedger) Mint(ctx context.Context, skillHash, proof string) (Receipt, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("failed to wait for ledger rate limit: %w", err)
	}
	return l.inner.Mint(ctx, skillHash, proof)
}

// ConnectLedger probes a ledger up to attempts times, delay apart. When every
// probe fails it degrades to a SimulatedLedger instead of failing startup.
func ConnectLedger(ctx context.Context, ledger Ledger, attempts int, delay time.Duration, clk clock.Clock) Ledger {
	if clk == nil {
		clk = clock.New()
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := ledger.Ping(ctx)
		if err == nil {
			if attempt > 1 {
				log.Printf("[Ledger] Connected on attempt %d", attempt)
			}
			return ledger
		}
		log.Printf("[Ledger] Probe %d/%d failed: %v", attempt, attempts, err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			log.Printf("[Ledger] Probe cancelled, running in simulated mode")
			return NewSimulatedLedger(clk)
		case <-clk.After(delay):
		}
	}

	log.Printf("[Ledger] Ledger unreachable, running in simulated mode")
	return NewSimulatedLedger(clk)
}
