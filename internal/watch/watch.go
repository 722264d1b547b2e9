// Package watch follows a crucible instance from the CLI: it waits for a
// submitted skill to settle and streams lifecycle events.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

// pollInterval is how often PollForSkill re-reads the minting request.
const pollInterval = 200 * time.Millisecond

// PollForSkill polls until the minting request for an artifact skill id
// reaches a terminal status, and returns it. A request that ends in a failure
// status is returned without error; callers inspect Status and FailureReason.
func PollForSkill(ctx context.Context, client *blackboard.Client, skillID string, timeout time.Duration) (*blackboard.MintingRequest, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for skill %s after %v", skillID, timeout)

		case <-ticker.C:
			req, err := client.GetMintingRequestForSkill(ctx, skillID)
			if err != nil {
				if blackboard.IsNotFound(err) {
					// Still queued for discovery
					continue
				}
				return nil, fmt.Errorf("failed to query minting request: %w", err)
			}

			if req.Status.IsTerminal() {
				return req, nil
			}
		}
	}
}

// StreamEvents writes every lifecycle event published by the instance until
// ctx is cancelled. Only events whose component is in components are written,
// or every event when components is empty.
func StreamEvents(ctx context.Context, client *blackboard.Client, components []string, w io.Writer) error {
	sub, err := client.Subscribe(ctx, blackboard.LifecycleEventsChannel(client.InstanceName()))
	if err != nil {
		return fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
	}
	defer sub.Close()

	allowed := make(map[string]bool, len(components))
	for _, c := range components {
		allowed[c] = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}

			var event events.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				fmt.Fprintf(w, "⚠️  Skipping malformed event: %v\n", err)
				continue
			}
			if len(allowed) > 0 && !allowed[event.Component] {
				continue
			}
			fmt.Fprintln(w, FormatEvent(event))
		}
	}
}

// FormatEvent renders one lifecycle event as a single human-readable line.
func FormatEvent(e events.Event) string {
	var b strings.Builder

	if !e.Timestamp.IsZero() {
		b.WriteString(e.Timestamp.UTC().Format("15:04:05"))
		b.WriteString(" ")
	}

	b.WriteString(eventIcon(e.Type))
	fmt.Fprintf(&b, " %s %s %s", e.Component, e.Type, e.EntityID)

	switch {
	case e.From != "" && e.To != "":
		fmt.Fprintf(&b, ": %s → %s", e.From, e.To)
	case e.To != "":
		fmt.Fprintf(&b, ": %s", e.To)
	}

	if details := payloadDetails(e.Payload); details != "" {
		b.WriteString(" (")
		b.WriteString(details)
		b.WriteString(")")
	}

	return b.String()
}

func eventIcon(t events.Type) string {
	switch t {
	case events.TypeRegistered:
		return "📥"
	case events.TypeTransitioned:
		return "🔄"
	case events.TypeFinalized:
		return "✅"
	case events.TypeFailed:
		return "❌"
	default:
		return "ℹ️"
	}
}

// detailKeys are payload fields worth surfacing on an event line.
var detailKeys = []string{"failure_reason", "block_height", "approve_votes", "reject_votes", "reputation", "owner_agent"}

// payloadDetails picks a few notable fields from a decoded event payload.
func payloadDetails(payload interface{}) string {
	fields, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}

	var parts []string
	for _, key := range detailKeys {
		v, ok := fields[key]
		if !ok || v == nil || v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
