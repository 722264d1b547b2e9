// Package clustering groups error reports into similarity clusters using weighted
// feature vectors and iterative centroid refinement.
package clustering

import (
	"errors"
	"fmt"
	"log"
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
	// ErrInsufficientReports is returned when fewer than min_cluster_size reports are stored.
	ErrInsufficientReports = errors.New("not enough reports to cluster")
	// ErrEmptyCluster is returned when a centroid is requested for an empty member set.
	ErrEmptyCluster = errors.New("cannot compute centroid of empty cluster")
	// ErrDuplicateReport is returned when a report id has already been added.
	ErrDuplicateReport = errors.New("duplicate report")
)

// carryOverOverlap is the Jaccard overlap above which a new cluster inherits an old cluster's identity.
const carryOverOverlap = 0.5

// Engine stores error reports and maintains the current cluster partition.
// All methods are safe for concurrent use.
type Engine struct {
	cfg     config.ClusteringConfig
	emitter events.Emitter
	clock   clock.Clock

	mu        sync.Mutex
	reports   []blackboard.ErrorReport
	seen      map[string]bool
	sinceLast int
	clusters  []blackboard.Cluster
}

// NewEngine creates a clustering engine. A nil emitter or clock falls back to
// events.Discard and the wall clock.
func NewEngine(cfg config.ClusteringConfig, emitter events.Emitter, clk clock.Clock) *Engine {
	if emitter == nil {
		emitter = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Engine{
		cfg:     cfg,
		emitter: emitter,
		clock:   clk,
		seen:    make(map[string]bool),
	}
}

// AddReport stores a report. Every recluster_every reports (once at least
// min_cluster_size are stored) it re-clusters and returns the new partition;
// otherwise it returns nil.
func (e *Engine) AddReport(report blackboard.ErrorReport) ([]blackboard.Cluster, error) {
	if err := report.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seen[report.ID] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateReport, report.ID)
	}

	report.Tags = append([]string(nil), report.Tags...)
	e.seen[report.ID] = true
	e.reports = append(e.reports, report)
	e.sinceLast++

	e.emitter.Emit(events.Event{
		Type:      events.TypeRegistered,
		Component: events.ComponentClustering,
		EntityID:  report.ID,
		Payload:   report,
		Timestamp: e.clock.Now(),
	})

	if e.sinceLast < e.cfg.ReclusterEvery || len(e.reports) < e.cfg.MinClusterSize {
		return nil, nil
	}
	e.sinceLast = 0

	return e.clusterLocked()
}

// Cluster runs clustering over every stored report and returns the partition.
func (e *Engine) Cluster() ([]blackboard.Cluster, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.clusterLocked()
}

// Clusters returns a copy of the last computed partition.
func (e *Engine) Clusters() []blackboard.Cluster {
	e.mu.Lock()
	defer e.mu.Unlock()

	return cloneAll(e.clusters)
}

// Reports returns the number of stored reports.
func (e *Engine) Reports() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.reports)
}

func (e *Engine) clusterLocked() ([]blackboard.Cluster, error) {
	n := len(e.reports)
	if n < e.cfg.MinClusterSize {
		return []blackboard.Cluster{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientReports, n, e.cfg.MinClusterSize)
	}

	fs := newFeatureSpace(e.reports, e.cfg)
	vectors := make([][]float64, n)
	for i, r := range e.reports {
		vectors[i] = fs.vector(r)
	}

	k := n / e.cfg.MinClusterSize
	if k > e.cfg.MaxClusters {
		k = e.cfg.MaxClusters
	}

	centroids := e.seed(fs, vectors, k)
	var groups [][]int

	iterations := 0
	for iterations < e.cfg.MaxIterations {
		iterations++

		assigned := e.assign(fs, vectors, centroids)

		next := make([][]float64, 0, len(assigned))
		kept := make([][]int, 0, len(assigned))
		converged := true
		for gi, g := range assigned {
			// Groups below the minimum are dropped and their members re-assigned next round
			if len(g) < e.cfg.MinClusterSize {
				converged = false
				continue
			}

			c, err := centroidOf(vectors, g, fs.dim)
			if err != nil {
				return nil, err
			}
			if fs.stability(c, centroids[gi]) <= 1-e.cfg.ConvergenceEpsilon {
				converged = false
			}

			next = append(next, c)
			kept = append(kept, g)
		}

		groups, centroids = kept, next
		if len(centroids) == 0 || converged {
			break
		}
	}

	partition := e.buildClusters(fs, vectors, groups, centroids)
	e.clusters = partition

	log.Printf("[Clustering] Clustered %d reports into %d clusters (%d iterations)", n, len(partition), iterations)

	e.emitter.Emit(events.Event{
		Type:      events.TypeFinalized,
		Component: events.ComponentClustering,
		EntityID:  fmt.Sprintf("run-%d", n),
		Payload:   cloneAll(partition),
		Timestamp: e.clock.Now(),
	})

	return cloneAll(partition), nil
}

// seed picks k initial centroids by farthest-point traversal starting from the
// earliest report. The result is deterministic for a given report set.
func (e *Engine) seed(fs *featureSpace, vectors [][]float64, k int) [][]float64 {
	order := make([]int, len(e.reports))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := e.reports[order[a]], e.reports[order[b]]
		if ra.TimestampMs != rb.TimestampMs {
			return ra.TimestampMs < rb.TimestampMs
		}
		return ra.ID < rb.ID
	})

	chosen := map[int]bool{order[0]: true}
	seeds := []int{order[0]}
	best := make([]float64, len(vectors))
	for i := range vectors {
		best[i] = fs.similarity(vectors[i], vectors[order[0]])
	}

	for len(seeds) < k {
		next := -1
		for _, i := range order {
			if chosen[i] {
				continue
			}
			if next == -1 || best[i] < best[next] {
				next = i
			}
		}
		if next == -1 {
			break
		}

		chosen[next] = true
		seeds = append(seeds, next)
		for i := range vectors {
			if s := fs.similarity(vectors[i], vectors[next]); s > best[i] {
				best[i] = s
			}
		}
	}

	centroids := make([][]float64, len(seeds))
	for i, s := range seeds {
		centroids[i] = append([]float64(nil), vectors[s]...)
	}
	return centroids
}

// assign places every report in its most similar centroid's group. When a group
// is full the least confident reports fall through to their next best centroid;
// a report that fits nowhere stays unclustered this round.
func (e *Engine) assign(fs *featureSpace, vectors [][]float64, centroids [][]float64) [][]int {
	type preference struct {
		report int
		ranked []int
		best   float64
	}

	prefs := make([]preference, len(vectors))
	for r, v := range vectors {
		sims := make([]float64, len(centroids))
		ranked := make([]int, len(centroids))
		for c := range centroids {
			sims[c] = fs.similarity(v, centroids[c])
			ranked[c] = c
		}
		sort.SliceStable(ranked, func(a, b int) bool {
			return sims[ranked[a]] > sims[ranked[b]]
		})

		p := preference{report: r, ranked: ranked}
		if len(ranked) > 0 {
			p.best = sims[ranked[0]]
		}
		prefs[r] = p
	}

	sort.SliceStable(prefs, func(a, b int) bool {
		return prefs[a].best > prefs[b].best
	})

	groups := make([][]int, len(centroids))
	for _, p := range prefs {
		for _, c := range p.ranked {
			if len(groups[c]) < e.cfg.MaxClusterSize {
				groups[c] = append(groups[c], p.report)
				break
			}
		}
	}

	for _, g := range groups {
		sort.Ints(g)
	}
	return groups
}

// centroidOf returns the component-wise mean of the member vectors.
func centroidOf(vectors [][]float64, members []int, dim int) ([]float64, error) {
	if len(members) == 0 {
		return nil, ErrEmptyCluster
	}

	c := make([]float64, dim)
	for _, m := range members {
		for i, x := range vectors[m] {
			c[i] += x
		}
	}
	for i := range c {
		c[i] /= float64(len(members))
	}
	return c, nil
}

func (e *Engine) buildClusters(fs *featureSpace, vectors [][]float64, groups [][]int, centroids [][]float64) []blackboard.Cluster {
	now := e.clock.Now().UnixMilli()
	clusters := make([]blackboard.Cluster, len(groups))

	for gi, g := range groups {
		members := make([]blackboard.ErrorReport, len(g))
		classCounts := make(map[string]int)
		var simTotal, bounty float64
		for i, r := range g {
			members[i] = e.reports[r]
			classCounts[e.reports[r].Classification]++
			simTotal += fs.similarity(vectors[r], centroids[gi])
			bounty += e.reports[r].Bounty
		}

		dominant := dominantClass(classCounts)
		description := "No recurring keywords"
		if kw := fs.topKeywords(centroids[gi], 5); len(kw) > 0 {
			description = "Top keywords: " + strings.Join(kw, ", ")
		}

		clusters[gi] = blackboard.Cluster{
			Name:        fmt.Sprintf("%s (%d reports)", dominant, len(members)),
			Description: description,
			Members:     members,
			Centroid:    centroids[gi],
			Similarity:  simTotal / float64(len(members)),
			TotalBounty: bounty,
			CreatedAtMs: now,
			UpdatedAtMs: now,
		}
	}

	e.carryOver(clusters)
	return clusters
}

// carryOver gives each new cluster the identity of the previous cluster it
// overlaps most, when that overlap reaches carryOverOverlap. Each previous
// cluster is inherited at most once.
func (e *Engine) carryOver(clusters []blackboard.Cluster) {
	type match struct {
		newIdx, oldIdx int
		overlap        float64
	}

	var matches []match
	for ni := range clusters {
		for oi := range e.clusters {
			if o := jaccard(clusters[ni].MemberIDs(), e.clusters[oi].MemberIDs()); o >= carryOverOverlap {
				matches = append(matches, match{ni, oi, o})
			}
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].overlap > matches[b].overlap
	})

	usedNew := make(map[int]bool)
	usedOld := make(map[int]bool)
	for _, m := range matches {
		if usedNew[m.newIdx] || usedOld[m.oldIdx] {
			continue
		}
		usedNew[m.newIdx] = true
		usedOld[m.oldIdx] = true

		old := e.clusters[m.oldIdx]
		c := &clusters[m.newIdx]
		c.ID = old.ID
		c.CreatedAtMs = old.CreatedAtMs
		c.AssignedAgents = append([]string(nil), old.AssignedAgents...)
		c.OwnerAgent = old.OwnerAgent
		c.OwnershipScore = old.OwnershipScore
	}

	for i := range clusters {
		if !usedNew[i] {
			clusters[i].ID = uuid.New().String()
		}
	}
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}

	intersection := 0
	for _, id := range b {
		if set[id] {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func dominantClass(counts map[string]int) string {
	best, bestCount := "", -1
	for class, n := range counts {
		if n > bestCount || (n == bestCount && class < best) {
			best, bestCount = class, n
		}
	}
	return best
}

func cloneAll(clusters []blackboard.Cluster) []blackboard.Cluster {
	if clusters == nil {
		return nil
	}
	out := make([]blackboard.Cluster, len(clusters))
	for i, c := range clusters {
		out[i] = c.Clone()
	}
	return out
}
