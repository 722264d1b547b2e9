package minting

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/pkg/blackboard"
)

func testArtifact() blackboard.Artifact {
	return blackboard.Artifact{
		SkillID:     "skill-null-guard",
		Rank:        2,
		Alpha:       4,
		InputDim:    3,
		OutputDim:   2,
		WeightsA:    []float64{0.1, -0.2, 0.3, 0.05, 0.4, -0.1},
		WeightsB:    []float64{0.2, 0.1, -0.3, 0.25},
		Description: "Guards property access on possibly undefined values",
		Metrics:     blackboard.Metrics{Accuracy: 0.9, LatencyMs: 100, MemoryMB: 128, Robustness: 0.8},
	}
}

func testDiscovery() blackboard.Discovery {
	return blackboard.Discovery{
		Name:         "null-guard",
		Category:     "debugging",
		Capabilities: []string{"detect undefined access"},
		Complexity:   0.1,
		Confidence:   0.9,
	}
}

func TestValidate_Valid(t *testing.T) {
	v := NewValidator(config.Default().Minting)

	outcome := v.Validate(testArtifact(), testDiscovery())
	require.IsType(t, Valid{}, outcome)

	r := outcome.Report()
	assert.Equal(t, 1.0, r.Technical.Score)
	assert.Equal(t, 1.0, r.Semantic.Score)
	assert.InDelta(t, (0.9+0.9+0.875+0.8)/4, r.Performance.Score, 1e-9)
	assert.InDelta(t, 0.95, r.Security.Score, 1e-9)
	assert.InDelta(t, 0.3+0.2+0.3*r.Performance.Score+0.2*0.95, r.Overall, 1e-9)
	assert.Empty(t, r.Errors)
}

func TestValidate_HardErrors(t *testing.T) {
	v := NewValidator(config.Default().Minting)

	tests := []struct {
		name   string
		mutate func(a *blackboard.Artifact, d *blackboard.Discovery)
		want   string
	}{
		{"empty weights", func(a *blackboard.Artifact, d *blackboard.Discovery) { a.WeightsA = nil }, "weight buffers must not be empty"},
		{"nan weight", func(a *blackboard.Artifact, d *blackboard.Discovery) { a.WeightsB[0] = math.NaN() }, "weights contain NaN or Inf"},
		{"zero rank", func(a *blackboard.Artifact, d *blackboard.Discovery) { a.Rank = 0 }, "rank must be > 0, got 0"},
		{"down projection size", func(a *blackboard.Artifact, d *blackboard.Discovery) { a.InputDim = 4 }, "weights_a has 6 values, want rank*input_dim = 8"},
		{"up projection size", func(a *blackboard.Artifact, d *blackboard.Discovery) { a.OutputDim = 3 }, "weights_b has 4 values, want output_dim*rank = 6"},
		{"missing name", func(a *blackboard.Artifact, d *blackboard.Discovery) { d.Name = "" }, "skill name is required"},
		{"malicious code", func(a *blackboard.Artifact, d *blackboard.Discovery) {
			a.Description = "Cleans caches with os.system('rm -rf /tmp')"
		}, "malicious pattern detected"},
		{"leaked credential", func(a *blackboard.Artifact, d *blackboard.Discovery) {
			a.Metadata = map[string]string{"notes": "api_key=sk-live-123"}
		}, "credential leakage detected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, d := testArtifact(), testDiscovery()
			tt.mutate(&a, &d)

			outcome := v.Validate(a, d)
			invalid, ok := outcome.(Invalid)
			require.True(t, ok, "expected Invalid, got %T", outcome)
			assert.Contains(t, invalid.Reasons, tt.want)
			assert.Contains(t, invalid.Report().Errors, tt.want)
		})
	}
}

func TestValidate_LowScore(t *testing.T) {
	v := NewValidator(config.Default().Minting)

	a := testArtifact()
	a.Description = "short"
	a.Metrics = blackboard.Metrics{Accuracy: 0, LatencyMs: 5000, MemoryMB: 4096, Robustness: 0}
	d := testDiscovery()
	d.Capabilities = nil

	outcome := v.Validate(a, d)
	invalid, ok := outcome.(Invalid)
	require.True(t, ok)

	r := invalid.Report()
	assert.Empty(t, r.Errors)
	assert.Equal(t, 0.0, r.Performance.Score)
	assert.Equal(t, 0.5, r.Semantic.Score)
	assert.InDelta(t, 0.55, r.Overall, 1e-9)
	assert.Equal(t, []string{"overall score 0.550 below minimum 0.70"}, invalid.Reasons)
	assert.NotEmpty(t, r.Warnings)
}

func TestValidate_Warnings(t *testing.T) {
	v := NewValidator(config.Default().Minting)

	t.Run("personal data halves privacy score", func(t *testing.T) {
		a := testArtifact()
		a.Description = "Contact alice@example.com for details on this fix"

		r := v.Validate(a, testDiscovery()).Report()
		assert.Contains(t, r.Warnings, "personal data pattern detected")
		assert.InDelta(t, (1+1+0.5+0.8)/4, r.Security.Score, 1e-9)
	})

	t.Run("oversized weights lower range score", func(t *testing.T) {
		a := testArtifact()
		a.WeightsA[0] = 50
		a.WeightsB[0] = -50

		r := v.Validate(a, testDiscovery()).Report()
		assert.InDelta(t, (1+1+0.8)/3, r.Technical.Score, 1e-9)
		assert.NotEmpty(t, r.Technical.Warnings)
	})

	t.Run("weak robustness", func(t *testing.T) {
		a := testArtifact()
		a.Metrics.Robustness = 0.3

		r := v.Validate(a, testDiscovery()).Report()
		assert.Contains(t, r.Security.Warnings, "adversarial robustness 0.30 below 0.50")
	})
}

func TestContentHash(t *testing.T) {
	a, d := testArtifact(), testDiscovery()

	h := ContentHash(a, d)
	assert.Len(t, h, 64)
	assert.Equal(t, h, ContentHash(testArtifact(), testDiscovery()))

	a.WeightsA[0] = 0.11
	assert.NotEqual(t, h, ContentHash(a, d))

	d.Name = "other"
	assert.NotEqual(t, h, ContentHash(testArtifact(), d))
}
