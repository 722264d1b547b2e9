package blackboard

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toStringHash mimics what HGETALL returns for a hash written with HSET
func toStringHash(t *testing.T, in map[string]interface{}) map[string]string {
	t.Helper()
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		default:
			t.Fatalf("unexpected hash value type %T for %s", v, k)
		}
	}
	return out
}

func TestSkillRecordHash(t *testing.T) {
	r := &SkillRecord{SkillID: "s", Name: "n", Hash: "h", TxHash: "t", BlockHeight: 12, Simulated: true, MintedAtMs: 99}
	got, err := HashToSkillRecord(toStringHash(t, SkillRecordToHash(r)))
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = HashToSkillRecord(map[string]string{"block_height": "x"})
	assert.Error(t, err)
}

func TestHashToMintingRequest_Malformed(t *testing.T) {
	t.Run("bad artifact json", func(t *testing.T) {
		_, err := HashToMintingRequest(map[string]string{"artifact": "{", "priority": "1"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "artifact")
	})

	t.Run("bad validation json", func(t *testing.T) {
		_, err := HashToMintingRequest(map[string]string{"artifact": "{}", "validation": "[", "priority": "1"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "validation")
	})

	t.Run("bad priority", func(t *testing.T) {
		_, err := HashToMintingRequest(map[string]string{"artifact": "{}", "priority": "high"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "priority")
	})
}

func TestHashToConsensusResult_Malformed(t *testing.T) {
	hash := toStringHash(t, ConsensusResultToHash(&ConsensusResult{ProposalID: "p", Status: ProposalStatusRejected}))
	hash["reject_votes"] = "many"
	_, err := HashToConsensusResult(hash)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reject_votes")
}
