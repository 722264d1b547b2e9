package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/crucible/pkg/blackboard"
)

const testInstance = "cli-test"

// setupRedis starts miniredis and returns a client for the test instance and
// the --redis-url value pointing at it.
func setupRedis(t *testing.T) (*blackboard.Client, string) {
	mr := miniredis.RunT(t)

	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, testInstance)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, "redis://" + mr.Addr()
}

// run executes the root command with args and returns its stdout.
func run(t *testing.T, url string, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--name", testInstance, "--redis-url", url))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := Execute(context.Background())
	return out.String(), err
}

func writeJSON(t *testing.T, v interface{}) string {
	data, err := json.Marshal(v)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// receive waits for one message on an inbound channel.
func receive(t *testing.T, sub *blackboard.Subscription) []byte {
	select {
	case msg := <-sub.Messages():
		return msg.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
		return nil
	}
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, Execute(context.Background()))
	assert.Contains(t, out.String(), "Usage:")
	assert.Contains(t, out.String(), "crucible")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	rootCmd.SetArgs([]string{"--unknown-flag", "value"})
	rootCmd.SetOut(&bytes.Buffer{})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestReportCommand(t *testing.T) {
	client, url := setupRedis(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, blackboard.InboundChannel(testInstance, blackboard.InboundReports))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	path := writeJSON(t, blackboard.ErrorReport{
		Classification: "network_error",
		Message:        "ECONNRESET while fetching /api/items",
		Severity:       blackboard.SeverityMedium,
		Tags:           []string{"backend"},
	})

	_, err = run(t, url, "report", "--file", path)
	require.NoError(t, err)

	var report blackboard.ErrorReport
	require.NoError(t, json.Unmarshal(receive(t, sub), &report))
	assert.Equal(t, "network_error", report.Classification)
	_, err = uuid.Parse(report.ID)
	assert.NoError(t, err, "missing id is generated")
	assert.NotZero(t, report.TimestampMs)

	t.Run("invalid report is not published", func(t *testing.T) {
		path := writeJSON(t, blackboard.ErrorReport{ID: "r-1", Severity: blackboard.SeverityLow})
		_, err := run(t, url, "report", "--file", path)
		assert.Error(t, err)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
		_, err := run(t, url, "report", "--file", path)
		assert.EqualError(t, err, "invalid JSON")
	})
}

func TestSubmitCommand(t *testing.T) {
	client, url := setupRedis(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, blackboard.InboundChannel(testInstance, blackboard.InboundArtifacts))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	path := writeJSON(t, blackboard.Artifact{SkillID: "skill-retry", Rank: 1, InputDim: 2, OutputDim: 2})

	_, err = run(t, url, "submit", "--file", path, "--priority", "3", "--submitted-by", "agent-7", "--cluster", "c-9")
	require.NoError(t, err)

	var submission blackboard.ArtifactSubmission
	require.NoError(t, json.Unmarshal(receive(t, sub), &submission))
	assert.Equal(t, "skill-retry", submission.Artifact.SkillID)
	assert.Equal(t, 3, submission.Priority)
	assert.Equal(t, "agent-7", submission.Provenance.SubmittedBy)
	assert.Equal(t, "c-9", submission.Provenance.ClusterID)
	assert.NotZero(t, submission.Artifact.CreatedAtMs)
}

func TestSubmitCommand_Wait(t *testing.T) {
	client, url := setupRedis(t)
	ctx := context.Background()

	save := func(skillID string, status blackboard.MintingStatus) {
		require.NoError(t, client.SaveMintingRequest(ctx, &blackboard.MintingRequest{
			ID:            uuid.New().String(),
			Artifact:      blackboard.Artifact{SkillID: skillID},
			Status:        status,
			BlockHeight:   4,
			TxHash:        "abc",
			FailureReason: "proposal p rejected (0 approve, 2 reject)",
		}))
	}

	t.Run("minted skill succeeds", func(t *testing.T) {
		save("skill-ok", blackboard.MintingStatusMinted)
		path := writeJSON(t, blackboard.Artifact{SkillID: "skill-ok"})

		_, err := run(t, url, "submit", "--file", path, "--wait", "2s")
		assert.NoError(t, err)
	})

	t.Run("rejected skill fails", func(t *testing.T) {
		save("skill-no", blackboard.MintingStatusConsensusFailed)
		path := writeJSON(t, blackboard.Artifact{SkillID: "skill-no"})

		_, err := run(t, url, "submit", "--file", path, "--wait", "2s")
		assert.EqualError(t, err, "skill skill-no was not minted")
	})

	t.Run("times out when nothing happens", func(t *testing.T) {
		path := writeJSON(t, blackboard.Artifact{SkillID: "skill-never"})

		_, err := run(t, url, "submit", "--file", path, "--wait", "300ms")
		assert.EqualError(t, err, "skill did not settle")
	})

	// Reset so later tests do not inherit --wait
	submitWait = 0
}

func TestVoteCommand(t *testing.T) {
	client, url := setupRedis(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, blackboard.InboundChannel(testInstance, blackboard.InboundVotes))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	_, err = run(t, url, "vote", "p-1", "--node", "node-2", "--decision", "reject", "--reason", "degenerate weights")
	require.NoError(t, err)

	var vote blackboard.VoteMessage
	require.NoError(t, json.Unmarshal(receive(t, sub), &vote))
	assert.Equal(t, blackboard.VoteMessage{ProposalID: "p-1", NodeID: "node-2", Decision: blackboard.VoteReject, Reason: "degenerate weights"}, vote)

	t.Run("rejects unknown decision", func(t *testing.T) {
		_, err := run(t, url, "vote", "p-1", "--node", "node-2", "--decision", "maybe")
		assert.EqualError(t, err, "invalid vote")
	})
}

func TestHeartbeatCommand(t *testing.T) {
	client, url := setupRedis(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, blackboard.InboundChannel(testInstance, blackboard.InboundHeartbeats))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	_, err = run(t, url, "heartbeat", "--node", "node-3", "--address", "10.0.0.3:7000")
	require.NoError(t, err)

	var hb blackboard.HeartbeatMessage
	require.NoError(t, json.Unmarshal(receive(t, sub), &hb))
	assert.Equal(t, "node-3", hb.NodeID)
	assert.Equal(t, "10.0.0.3:7000", hb.Address)
}

func TestSkillsCommand(t *testing.T) {
	client, url := setupRedis(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, client.SaveSkillRecord(ctx, &blackboard.SkillRecord{SkillID: "skill-a", Name: "null-guard", Category: "debugging", RequesterID: "agent-1", MintedAtMs: now - 1000}))
	require.NoError(t, client.SaveSkillRecord(ctx, &blackboard.SkillRecord{SkillID: "skill-b", Name: "retry", Category: "networking", RequesterID: "agent-2", MintedAtMs: now}))

	out, err := run(t, url, "skills", "--output", "jsonl", "--category", "net*", "--since", "1h")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"skill_id":"skill-b"`)

	t.Run("invalid output format", func(t *testing.T) {
		_, err := run(t, url, "skills", "--output", "xml")
		assert.EqualError(t, err, "invalid output format")
		skillsOutputFormat = "default"
	})

	t.Run("invalid time range", func(t *testing.T) {
		_, err := run(t, url, "skills", "--since", "1h", "--until", "2h")
		assert.EqualError(t, err, "invalid time filter")
		skillsSince, skillsUntil = "", ""
	})
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := run(t, "redis://127.0.0.1:9", "heartbeat", "--node", "node-1")
	assert.EqualError(t, err, "Redis not accessible")
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := loadConfig(filepath.Join(t.TempDir(), "crucible.yml"))
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Health.Addr)
	})

	t.Run("invalid file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "crucible.yml")
		require.NoError(t, os.WriteFile(path, []byte("version: \"2.0\"\n"), 0o644))

		_, err := loadConfig(path)
		assert.EqualError(t, err, "invalid configuration")
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "crucible.yml")
		require.NoError(t, os.WriteFile(path, []byte("version: \"1.0\"\nhealth:\n  addr: \":9090\"\n"), 0o644))

		cfg, err := loadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.Health.Addr)
	})
}

func TestRequestCommand(t *testing.T) {
	client, url := setupRedis(t)
	ctx := context.Background()

	for _, id := range []string{"3f2a9c10-1111-4000-8000-000000000001", "3f2a9c10-2222-4000-8000-000000000002"} {
		require.NoError(t, client.SaveMintingRequest(ctx, &blackboard.MintingRequest{
			ID:            id,
			Artifact:      blackboard.Artifact{SkillID: "skill-" + id[9:13]},
			RequesterID:   "agent-1",
			Status:        blackboard.MintingStatusValidationFailed,
			Validation:    &blackboard.ValidationReport{Overall: 0.41, Errors: []string{"weights contain NaN"}},
			FailureReason: "validation score 0.410 below threshold 0.700",
		}))
	}

	t.Run("unique prefix shows the request", func(t *testing.T) {
		out, err := run(t, url, "request", "3f2a9c10-2222")
		require.NoError(t, err)
		assert.Contains(t, out, "skill-2222")
		assert.Contains(t, out, "0.410")
		assert.Contains(t, out, "weights contain NaN")
	})

	t.Run("json output", func(t *testing.T) {
		out, err := run(t, url, "request", "3f2a9c10-1111", "--json")
		requestJSON = false
		require.NoError(t, err)

		var req blackboard.MintingRequest
		require.NoError(t, json.Unmarshal([]byte(out), &req))
		assert.Equal(t, "skill-1111", req.Artifact.SkillID)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := run(t, url, "request", "3f2a9c")
		assert.EqualError(t, err, "ambiguous request id")
	})

	t.Run("unknown prefix", func(t *testing.T) {
		_, err := run(t, url, "request", "ffffff")
		assert.EqualError(t, err, "request not found")
	})
}

func TestConnect_InvalidInstanceName(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"heartbeat", "--node", "node-1", "--name", "Bad_Name"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		instanceName = testInstance
	})

	err := Execute(context.Background())
	assert.EqualError(t, err, "invalid instance name")
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	rootCmd.SetArgs([]string{"init"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, Execute(context.Background()))

	cfg, err := loadConfig(filepath.Join(dir, "crucible.yml"))
	require.NoError(t, err)
	assert.Equal(t, "example-agent", cfg.Assignment.Agents[0].ID)

	rootCmd.SetArgs([]string{"init"})
	assert.EqualError(t, Execute(context.Background()), "failed to initialize")
}
