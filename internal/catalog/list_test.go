package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/crucible/pkg/blackboard"
)

func setupClient(t *testing.T) *blackboard.Client {
	mr := miniredis.RunT(t)

	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func seedSkills(t *testing.T, client *blackboard.Client) {
	ctx := context.Background()
	for _, s := range []*blackboard.SkillRecord{
		{SkillID: "skill-b", Name: "retry-backoff", Category: "networking", Hash: strings.Repeat("b", 64), BlockHeight: 2, RequesterID: "agent-2", MintedAtMs: 2000},
		{SkillID: "skill-a", Name: "null-guard", Category: "debugging", Hash: strings.Repeat("a", 64), BlockHeight: 1, RequesterID: "agent-1", MintedAtMs: 1000},
		{SkillID: "skill-c", Name: "lint-fix", Category: "debugging", Hash: strings.Repeat("c", 64), BlockHeight: 3, RequesterID: "agent-1", Simulated: true, MintedAtMs: 3000},
	} {
		require.NoError(t, client.SaveSkillRecord(ctx, s))
	}
}

func TestListSkills(t *testing.T) {
	ctx := context.Background()

	t.Run("empty blackboard - default format", func(t *testing.T) {
		client := setupClient(t)

		var buf bytes.Buffer
		require.NoError(t, ListSkills(ctx, client, OutputFormatDefault, nil, &buf))
		assert.Contains(t, buf.String(), "No skills minted for instance 'test-instance'")
	})

	t.Run("empty blackboard - JSONL format", func(t *testing.T) {
		client := setupClient(t)

		var buf bytes.Buffer
		require.NoError(t, ListSkills(ctx, client, OutputFormatJSONL, nil, &buf))
		assert.Empty(t, buf.String())
	})

	t.Run("JSONL in mint order", func(t *testing.T) {
		client := setupClient(t)
		seedSkills(t, client)

		var buf bytes.Buffer
		require.NoError(t, ListSkills(ctx, client, OutputFormatJSONL, nil, &buf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)

		var ids []string
		for _, line := range lines {
			var s blackboard.SkillRecord
			require.NoError(t, json.Unmarshal([]byte(line), &s))
			ids = append(ids, s.SkillID)
		}
		assert.Equal(t, []string{"skill-a", "skill-b", "skill-c"}, ids)
	})

	t.Run("table applies filters", func(t *testing.T) {
		client := setupClient(t)
		seedSkills(t, client)

		var buf bytes.Buffer
		filters := &Criteria{CategoryGlob: "debug*", Requester: "agent-1", SinceTimestampMs: 1500}
		require.NoError(t, ListSkills(ctx, client, OutputFormatDefault, filters, &buf))

		out := buf.String()
		assert.Contains(t, out, "skill-c")
		assert.Contains(t, out, "3 (sim)")
		assert.Contains(t, out, strings.Repeat("c", 12))
		assert.NotContains(t, out, strings.Repeat("c", 13))
		assert.NotContains(t, out, "skill-a")
		assert.NotContains(t, out, "skill-b")
		assert.Contains(t, out, "1 skill found")
	})

	t.Run("unknown format", func(t *testing.T) {
		client := setupClient(t)
		assert.Error(t, ListSkills(ctx, client, OutputFormat("xml"), nil, &bytes.Buffer{}))
	})
}

func TestCriteria(t *testing.T) {
	skill := &blackboard.SkillRecord{Category: "debugging", RequesterID: "agent-1", MintedAtMs: 5000}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"no filters", Criteria{}, true},
		{"since before", Criteria{SinceTimestampMs: 4000}, true},
		{"since after", Criteria{SinceTimestampMs: 6000}, false},
		{"until after", Criteria{UntilTimestampMs: 6000}, true},
		{"until before", Criteria{UntilTimestampMs: 4000}, false},
		{"category glob", Criteria{CategoryGlob: "deb*"}, true},
		{"category mismatch", Criteria{CategoryGlob: "net*"}, false},
		{"bad glob", Criteria{CategoryGlob: "["}, false},
		{"requester", Criteria{Requester: "agent-1"}, true},
		{"requester mismatch", Criteria{Requester: "agent-2"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(skill))
		})
	}

	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{Requester: "x"}).HasFilters())
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSONL, f)

	_, err = ParseOutputFormat("json")
	assert.Error(t, err)
}

func TestFormatAge(t *testing.T) {
	now := time.UnixMilli(10 * 24 * 3600 * 1000)

	assert.Equal(t, "-", formatAge(0, now))
	assert.Equal(t, "30s ago", formatAge(now.Add(-30*time.Second).UnixMilli(), now))
	assert.Equal(t, "5m ago", formatAge(now.Add(-5*time.Minute).UnixMilli(), now))
	assert.Equal(t, "3h ago", formatAge(now.Add(-3*time.Hour).UnixMilli(), now))
	assert.Equal(t, "2d ago", formatAge(now.Add(-48*time.Hour).UnixMilli(), now))
}
