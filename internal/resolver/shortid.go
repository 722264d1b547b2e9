package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/crucible/pkg/blackboard"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// maxListed caps the matches printed for an ambiguous prefix.
const maxListed = 10

// ResolveRequestID resolves a minting request id prefix to the full UUID.
// A full UUID is checked for existence and returned as-is.
func ResolveRequestID(ctx context.Context, client *blackboard.Client, shortID string) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := client.GetMintingRequest(ctx, shortID); err != nil {
			if blackboard.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify minting request: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := client.ScanMintingRequests(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for minting request: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no minting requests matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no minting requests found matching '%s'", e.ShortID)
}

// AmbiguousError indicates several minting requests matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d minting requests", e.ShortID, len(e.Matches))
}

// Suggestions lists the matching ids, up to ten, for display under the error.
func (e *AmbiguousError) Suggestions() []string {
	n := len(e.Matches)
	if n > maxListed {
		n = maxListed
	}

	lines := append(make([]string, 0, n+2), e.Matches[:n]...)
	if len(e.Matches) > maxListed {
		lines = append(lines, fmt.Sprintf("...and %d more", len(e.Matches)-maxListed))
	}
	return append(lines, "Use a longer prefix to uniquely identify the request")
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
