package minting

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/pkg/blackboard"
)

// Check weights for the overall validation score.
const (
	weightTechnical   = 0.3
	weightSemantic    = 0.2
	weightPerformance = 0.3
	weightSecurity    = 0.2

	minDescriptionLength = 20
	minRobustness        = 0.5
)

var (
	maliciousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\b`),
		regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`),
		regexp.MustCompile(`(?i)\bos\.system\b|\bsubprocess\.`),
		regexp.MustCompile(`(?i)<script\b`),
		regexp.MustCompile(`(?i)\bcurl\s+[^|]*\|\s*(ba)?sh\b`),
	}
	credentialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|passwd|token)\s*[:=]\s*\S+`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	}
	privacyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	}
)

// Outcome is the result of validating one artifact: either Valid or Invalid.
type Outcome interface {
	Report() blackboard.ValidationReport
	outcome()
}

// Valid means the artifact may proceed to consensus.
type Valid struct {
	report blackboard.ValidationReport
}

// Report returns the full validation report.
func (v Valid) Report() blackboard.ValidationReport { return v.report }
func (Valid) outcome()                              {}

// Invalid means the artifact halts at validation_failed.
type Invalid struct {
	report  blackboard.ValidationReport
	Reasons []string
}

// Report returns the full validation report.
func (i Invalid) Report() blackboard.ValidationReport { return i.report }
func (Invalid) outcome()                              {}

// Validator runs the four check families against an artifact and its discovery.
type Validator struct {
	cfg config.MintingConfig
}

// NewValidator creates a validator using the minting thresholds.
func NewValidator(cfg config.MintingConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate scores an artifact. It proceeds only with no hard errors and an
// overall score at or above min_validation_score.
func (v *Validator) Validate(artifact blackboard.Artifact, discovery blackboard.Discovery) Outcome {
	report := blackboard.ValidationReport{
		Technical:   v.technical(artifact),
		Semantic:    semantic(artifact, discovery),
		Performance: v.performance(artifact.Metrics),
		Security:    security(artifact, discovery),
	}
	report.Overall = weightTechnical*report.Technical.Score +
		weightSemantic*report.Semantic.Score +
		weightPerformance*report.Performance.Score +
		weightSecurity*report.Security.Score

	for _, c := range []blackboard.CheckResult{report.Technical, report.Semantic, report.Performance, report.Security} {
		report.Errors = append(report.Errors, c.Errors...)
		report.Warnings = append(report.Warnings, c.Warnings...)
	}

	var reasons []string
	reasons = append(reasons, report.Errors...)
	if report.Overall < v.cfg.MinValidationScore {
		reasons = append(reasons, fmt.Sprintf("overall score %.3f below minimum %.2f", report.Overall, v.cfg.MinValidationScore))
	}
	if len(reasons) > 0 {
		return Invalid{report: report, Reasons: reasons}
	}
	return Valid{report: report}
}

// technical checks weight integrity, dimension consistency and numeric range.
func (v *Validator) technical(a blackboard.Artifact) blackboard.CheckResult {
	var res blackboard.CheckResult
	integrity, consistency := 1.0, 1.0

	if len(a.WeightsA) == 0 || len(a.WeightsB) == 0 {
		res.Errors = append(res.Errors, "weight buffers must not be empty")
		integrity = 0
	} else if !allFinite(a.WeightsA) || !allFinite(a.WeightsB) {
		res.Errors = append(res.Errors, "weights contain NaN or Inf")
		integrity = 0
	}

	switch {
	case a.Rank <= 0:
		res.Errors = append(res.Errors, fmt.Sprintf("rank must be > 0, got %d", a.Rank))
		consistency = 0
	case len(a.WeightsA) != a.Rank*a.InputDim:
		res.Errors = append(res.Errors, fmt.Sprintf("weights_a has %d values, want rank*input_dim = %d", len(a.WeightsA), a.Rank*a.InputDim))
		consistency = 0
	case len(a.WeightsB) != a.OutputDim*a.Rank:
		res.Errors = append(res.Errors, fmt.Sprintf("weights_b has %d values, want output_dim*rank = %d", len(a.WeightsB), a.OutputDim*a.Rank))
		consistency = 0
	}

	inRange := 0.0
	if total := len(a.WeightsA) + len(a.WeightsB); total > 0 {
		ok := 0
		for _, w := range append(append([]float64(nil), a.WeightsA...), a.WeightsB...) {
			if math.Abs(w) <= v.cfg.MaxWeightMagnitude {
				ok++
			}
		}
		inRange = float64(ok) / float64(total)
		if inRange < 1 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%.1f%% of weights exceed magnitude %.1f", 100*(1-inRange), v.cfg.MaxWeightMagnitude))
		}
	}

	res.Score = (integrity + consistency + inRange) / 3
	return res
}

// semantic checks that the skill is described well enough to be listed.
func semantic(a blackboard.Artifact, d blackboard.Discovery) blackboard.CheckResult {
	var res blackboard.CheckResult
	satisfied := 0.0

	if strings.TrimSpace(d.Name) == "" {
		res.Errors = append(res.Errors, "skill name is required")
	} else {
		satisfied++
	}
	if strings.TrimSpace(d.Category) == "" {
		res.Warnings = append(res.Warnings, "skill has no category")
	} else {
		satisfied++
	}
	if len(d.Capabilities) == 0 {
		res.Warnings = append(res.Warnings, "skill declares no capabilities")
	} else {
		satisfied++
	}
	if len(strings.TrimSpace(a.Description)) < minDescriptionLength {
		res.Warnings = append(res.Warnings, fmt.Sprintf("description shorter than %d characters", minDescriptionLength))
	} else {
		satisfied++
	}

	res.Score = satisfied / 4
	return res
}

// performance averages accuracy, latency, memory and robustness, each in [0,1].
func (v *Validator) performance(m blackboard.Metrics) blackboard.CheckResult {
	var res blackboard.CheckResult

	accuracy := clamp01(m.Accuracy)
	latency := clamp01(1 - m.LatencyMs/v.cfg.MaxLatencyMs)
	memory := clamp01(1 - m.MemoryMB/v.cfg.MaxMemoryMB)
	robustness := clamp01(m.Robustness)

	if latency == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("latency %.0fms at or above limit %.0fms", m.LatencyMs, v.cfg.MaxLatencyMs))
	}
	if memory == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("memory %.0fMB at or above limit %.0fMB", m.MemoryMB, v.cfg.MaxMemoryMB))
	}

	res.Score = (accuracy + latency + memory + robustness) / 4
	return res
}

// security scans the skill's text for malicious code, leaked credentials and
// personal data, and checks adversarial robustness.
func security(a blackboard.Artifact, d blackboard.Discovery) blackboard.CheckResult {
	var res blackboard.CheckResult
	text := searchableText(a, d)

	malicious, leakage, privacy := 1.0, 1.0, 1.0
	if matchAny(maliciousPatterns, text) {
		res.Errors = append(res.Errors, "malicious pattern detected")
		malicious = 0
	}
	if matchAny(credentialPatterns, text) {
		res.Errors = append(res.Errors, "credential leakage detected")
		leakage = 0
	}
	if matchAny(privacyPatterns, text) {
		res.Warnings = append(res.Warnings, "personal data pattern detected")
		privacy = 0.5
	}

	adversarial := clamp01(a.Metrics.Robustness)
	if adversarial < minRobustness {
		res.Warnings = append(res.Warnings, fmt.Sprintf("adversarial robustness %.2f below %.2f", adversarial, minRobustness))
	}

	res.Score = (malicious + leakage + privacy + adversarial) / 4
	return res
}

func searchableText(a blackboard.Artifact, d blackboard.Discovery) string {
	parts := []string{a.Description, d.Name, d.Category, d.Subcategory}
	parts = append(parts, d.Capabilities...)
	parts = append(parts, d.Tags...)
	for k, v := range a.Metadata {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "\n")
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
