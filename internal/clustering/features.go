package clustering

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/pkg/blackboard"
)

// Feature block order inside a flattened vector.
const (
	blockClassification = iota
	blockContext
	blockSeverity
	blockTags
	blockSemantic
	blockCount
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "was": true, "were": true, "are": true, "not": true, "but": true,
	"has": true, "have": true, "had": true, "its": true, "into": true, "when": true,
	"can": true, "cannot": true, "could": true, "all": true, "any": true, "out": true,
}

type block struct {
	offset int
	size   int
	weight float64
}

// featureSpace maps reports onto flattened vectors. Vocabularies are built from
// the report set being clustered so a run is self-contained.
type featureSpace struct {
	classes     map[string]int
	contextKeys map[string]int
	tags        map[string]int
	keywords    map[string]int
	keywordList []string
	blocks      [blockCount]block
	dim         int
}

func newFeatureSpace(reports []blackboard.ErrorReport, cfg config.ClusteringConfig) *featureSpace {
	var classes, contextKeys, tags []string
	seenClass := make(map[string]bool)
	seenContext := make(map[string]bool)
	seenTag := make(map[string]bool)
	termCounts := make(map[string]int)

	for _, r := range reports {
		if !seenClass[r.Classification] {
			seenClass[r.Classification] = true
			classes = append(classes, r.Classification)
		}
		for k := range r.Context {
			if !seenContext[k] {
				seenContext[k] = true
				contextKeys = append(contextKeys, k)
			}
		}
		for _, tag := range r.Tags {
			if !seenTag[tag] {
				seenTag[tag] = true
				tags = append(tags, tag)
			}
		}
		for _, term := range tokenize(r.Message) {
			termCounts[term]++
		}
	}

	keywords := make([]string, 0, len(termCounts))
	for term := range termCounts {
		keywords = append(keywords, term)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if termCounts[keywords[i]] != termCounts[keywords[j]] {
			return termCounts[keywords[i]] > termCounts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > cfg.SemanticVocabulary {
		keywords = keywords[:cfg.SemanticVocabulary]
	}

	sort.Strings(classes)
	sort.Strings(contextKeys)
	sort.Strings(tags)

	fs := &featureSpace{
		classes:     indexOf(classes),
		contextKeys: indexOf(contextKeys),
		tags:        indexOf(tags),
		keywords:    indexOf(keywords),
		keywordList: keywords,
	}

	sizes := [blockCount]int{len(classes), len(contextKeys), 1, len(tags), len(keywords)}
	weights := [blockCount]float64{cfg.Weights.Classification, cfg.Weights.Context, cfg.Weights.Severity, cfg.Weights.Tags, cfg.Weights.Semantic}
	offset := 0
	for i := 0; i < blockCount; i++ {
		fs.blocks[i] = block{offset: offset, size: sizes[i], weight: weights[i]}
		offset += sizes[i]
	}
	fs.dim = offset

	return fs
}

func indexOf(values []string) map[string]int {
	idx := make(map[string]int, len(values))
	for i, v := range values {
		idx[v] = i
	}
	return idx
}

// tokenize lower-cases text and keeps words of at least three characters that are not stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	terms := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// vector flattens a report into the feature space.
func (fs *featureSpace) vector(r blackboard.ErrorReport) []float64 {
	v := make([]float64, fs.dim)

	if i, ok := fs.classes[r.Classification]; ok {
		v[fs.blocks[blockClassification].offset+i] = 1
	}
	for k := range r.Context {
		if i, ok := fs.contextKeys[k]; ok {
			v[fs.blocks[blockContext].offset+i] = 1
		}
	}
	v[fs.blocks[blockSeverity].offset] = r.Severity.Normalized()
	for _, tag := range r.Tags {
		if i, ok := fs.tags[tag]; ok {
			v[fs.blocks[blockTags].offset+i] = 1
		}
	}

	terms := tokenize(r.Message)
	if len(terms) > 0 {
		sem := fs.blocks[blockSemantic].offset
		for _, term := range terms {
			if i, ok := fs.keywords[term]; ok {
				v[sem+i] += 1 / float64(len(terms))
			}
		}
	}

	return v
}

// similarity is the weighted mean of per-block similarities between two
// vectors. A block that is all zeros on either side scores 0. Blocks with no
// dimensions in this run carry no information and are left out of the mean.
func (fs *featureSpace) similarity(a, b []float64) float64 {
	return fs.weighted(a, b, 0)
}

// stability compares a centroid with its previous value. It differs from
// similarity only in treating a block that is zero on both sides as unchanged.
func (fs *featureSpace) stability(a, b []float64) float64 {
	return fs.weighted(a, b, 1)
}

func (fs *featureSpace) weighted(a, b []float64, bothZero float64) float64 {
	var total, weights float64
	for i, blk := range fs.blocks {
		if blk.size == 0 || blk.weight == 0 {
			continue
		}
		x := a[blk.offset : blk.offset+blk.size]
		y := b[blk.offset : blk.offset+blk.size]

		var s float64
		switch {
		case isZero(x) && isZero(y):
			s = bothZero
		case i == blockSeverity:
			if x[0] != 0 && y[0] != 0 {
				s = 1 - math.Abs(x[0]-y[0])
			}
		default:
			s = cosine(x, y)
		}

		total += blk.weight * s
		weights += blk.weight
	}

	if weights == 0 {
		return 0
	}
	return total / weights
}

func isZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// cosine returns 0 when either side is all zeros.
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topKeywords returns up to n keywords with the largest weight in a centroid.
func (fs *featureSpace) topKeywords(centroid []float64, n int) []string {
	sem := fs.blocks[blockSemantic]
	idx := make([]int, 0, sem.size)
	for i := 0; i < sem.size; i++ {
		if centroid[sem.offset+i] > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return centroid[sem.offset+idx[i]] > centroid[sem.offset+idx[j]]
	})
	if len(idx) > n {
		idx = idx[:n]
	}

	out := make([]string, len(idx))
	for i, k := range idx {
		out[i] = fs.keywordList[k]
	}
	return out
}
