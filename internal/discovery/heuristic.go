// Package discovery provides the default analyzer used when no external
// classifier is configured. It reads the artifact producer's metadata instead
// of inspecting the weights.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/crucible/pkg/blackboard"
)

// Metadata keys read from an artifact.
const (
	MetaName         = "name"
	MetaCategory     = "category"
	MetaSubcategory  = "subcategory"
	MetaCapabilities = "capabilities"
	MetaTags         = "tags"
)

// maxRank is the adapter rank treated as maximally complex.
const maxRank = 64

// HeuristicAnalyzer derives a Discovery from artifact metadata.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer creates a HeuristicAnalyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

// Discover implements queue.Analyzer.
func (h *HeuristicAnalyzer) Discover(ctx context.Context, artifact blackboard.Artifact, provenance blackboard.Provenance) (*blackboard.Discovery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(artifact.Metadata[MetaName])
	if name == "" {
		return nil, fmt.Errorf("artifact %s has no %q metadata", artifact.SkillID, MetaName)
	}
	category := strings.TrimSpace(artifact.Metadata[MetaCategory])
	if category == "" {
		return nil, fmt.Errorf("artifact %s has no %q metadata", artifact.SkillID, MetaCategory)
	}

	tags := splitList(artifact.Metadata[MetaTags])
	if provenance.ClusterID != "" {
		tags = append(tags, "cluster:"+provenance.ClusterID)
	}

	return &blackboard.Discovery{
		Name:         name,
		Category:     category,
		Subcategory:  strings.TrimSpace(artifact.Metadata[MetaSubcategory]),
		Capabilities: splitList(artifact.Metadata[MetaCapabilities]),
		Complexity:   clamp(float64(artifact.Rank) / maxRank),
		Confidence:   clamp(artifact.Metrics.Accuracy),
		Tags:         dedupe(tags),
	}, nil
}

// splitList parses a comma-separated metadata value.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func clamp(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
