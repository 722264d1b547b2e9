package blackboard

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Scalar fields are stored
// directly so they stay queryable with HGET; nested structures are JSON-encoded
// into single hash fields.

// SkillRecordToHash converts a SkillRecord to a Redis hash format.
func SkillRecordToHash(r *SkillRecord) map[string]interface{} {
	return map[string]interface{}{
		"skill_id":     r.SkillID,
		"request_id":   r.RequestID,
		"name":         r.Name,
		"category":     r.Category,
		"hash":         r.Hash,
		"tx_hash":      r.TxHash,
		"block_height": r.BlockHeight,
		"requester_id": r.RequesterID,
		"simulated":    strconv.FormatBool(r.Simulated),
		"minted_at_ms": r.MintedAtMs,
	}
}

// HashToSkillRecord converts a Redis hash to a SkillRecord.
func HashToSkillRecord(hash map[string]string) (*SkillRecord, error) {
	blockHeight, err := strconv.ParseInt(hash["block_height"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block_height field: %w", err)
	}

	mintedAtMs, err := strconv.ParseInt(hash["minted_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid minted_at_ms field: %w", err)
	}

	simulated, _ := strconv.ParseBool(hash["simulated"])

	return &SkillRecord{
		SkillID:     hash["skill_id"],
		RequestID:   hash["request_id"],
		Name:        hash["name"],
		Category:    hash["category"],
		Hash:        hash["hash"],
		TxHash:      hash["tx_hash"],
		BlockHeight: blockHeight,
		RequesterID: hash["requester_id"],
		Simulated:   simulated,
		MintedAtMs:  mintedAtMs,
	}, nil
}

// MintingRequestToHash converts a MintingRequest to a Redis hash format.
// Artifact, discovery and validation are JSON-encoded.
func MintingRequestToHash(m *MintingRequest) (map[string]interface{}, error) {
	artifactJSON, err := json.Marshal(m.Artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact: %w", err)
	}

	discoveryJSON, err := json.Marshal(m.Discovery)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery: %w", err)
	}

	hash := map[string]interface{}{
		"id":             m.ID,
		"artifact":       string(artifactJSON),
		"discovery":      string(discoveryJSON),
		"requester_id":   m.RequesterID,
		"priority":       m.Priority,
		"status":         string(m.Status),
		"proposal_id":    m.ProposalID,
		"skill_hash":     m.SkillHash,
		"tx_hash":        m.TxHash,
		"block_height":   m.BlockHeight,
		"failure_reason": m.FailureReason,
		"created_at_ms":  m.CreatedAtMs,
		"updated_at_ms":  m.UpdatedAtMs,
	}

	// Validation is absent until the validate phase has run
	if m.Validation != nil {
		validationJSON, err := json.Marshal(m.Validation)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal validation: %w", err)
		}
		hash["validation"] = string(validationJSON)
	} else {
		hash["validation"] = ""
	}

	return hash, nil
}

// HashToMintingRequest converts a Redis hash to a MintingRequest.
func HashToMintingRequest(hash map[string]string) (*MintingRequest, error) {
	var artifact Artifact
	if err := json.Unmarshal([]byte(hash["artifact"]), &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}

	var discovery Discovery
	if discoveryJSON := hash["discovery"]; discoveryJSON != "" {
		if err := json.Unmarshal([]byte(discoveryJSON), &discovery); err != nil {
			return nil, fmt.Errorf("failed to unmarshal discovery: %w", err)
		}
	}

	var validation *ValidationReport
	if validationJSON := hash["validation"]; validationJSON != "" {
		validation = &ValidationReport{}
		if err := json.Unmarshal([]byte(validationJSON), validation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation: %w", err)
		}
	}

	priority, err := strconv.Atoi(hash["priority"])
	if err != nil {
		return nil, fmt.Errorf("invalid priority field: %w", err)
	}

	blockHeight, _ := strconv.ParseInt(hash["block_height"], 10, 64)
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &MintingRequest{
		ID:            hash["id"],
		Artifact:      artifact,
		Discovery:     discovery,
		Validation:    validation,
		RequesterID:   hash["requester_id"],
		Priority:      priority,
		Status:        MintingStatus(hash["status"]),
		ProposalID:    hash["proposal_id"],
		SkillHash:     hash["skill_hash"],
		TxHash:        hash["tx_hash"],
		BlockHeight:   blockHeight,
		FailureReason: hash["failure_reason"],
		CreatedAtMs:   createdAtMs,
		UpdatedAtMs:   updatedAtMs,
	}, nil
}

// ConsensusResultToHash converts a ConsensusResult to a Redis hash format.
func ConsensusResultToHash(r *ConsensusResult) map[string]interface{} {
	return map[string]interface{}{
		"proposal_id":     r.ProposalID,
		"skill_id":        r.SkillID,
		"status":          string(r.Status),
		"approve_votes":   r.ApproveVotes,
		"reject_votes":    r.RejectVotes,
		"abstain_votes":   r.AbstainVotes,
		"total_votes":     r.TotalVotes,
		"required_votes":  r.RequiredVotes,
		"approval_rate":   strconv.FormatFloat(r.ApprovalRate, 'f', -1, 64),
		"finalized_at_ms": r.FinalizedAtMs,
	}
}

// HashToConsensusResult converts a Redis hash to a ConsensusResult.
func HashToConsensusResult(hash map[string]string) (*ConsensusResult, error) {
	ints := make(map[string]int, 5)
	for _, field := range []string{"approve_votes", "reject_votes", "abstain_votes", "total_votes", "required_votes"} {
		n, err := strconv.Atoi(hash[field])
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", field, err)
		}
		ints[field] = n
	}

	rate, err := strconv.ParseFloat(hash["approval_rate"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid approval_rate field: %w", err)
	}

	finalizedAtMs, _ := strconv.ParseInt(hash["finalized_at_ms"], 10, 64)

	return &ConsensusResult{
		ProposalID:    hash["proposal_id"],
		SkillID:       hash["skill_id"],
		Status:        ProposalStatus(hash["status"]),
		ApproveVotes:  ints["approve_votes"],
		RejectVotes:   ints["reject_votes"],
		AbstainVotes:  ints["abstain_votes"],
		TotalVotes:    ints["total_votes"],
		RequiredVotes: ints["required_votes"],
		ApprovalRate:  rate,
		FinalizedAtMs: finalizedAtMs,
	}, nil
}
