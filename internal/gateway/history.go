package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/policy"
)

// PolicyHistory rebuilds the version list and the active version id from
// the POLICY_PUBLISHED and POLICY_ROLLED_BACK entries of l. Every publish
// records its rules, so the ledger alone is enough to restore a store that
// keeps versions in memory.
func PolicyHistory(ctx context.Context, l *ledger.Ledger) ([]policy.Version, int64, error) {
	var (
		versions []policy.Version
		active   int64
	)
	for e, err := range l.Query(ctx, ledger.Filter{}) {
		if err != nil {
			return nil, 0, err
		}
		if e.Type != ledger.TypePolicyPublished && e.Type != ledger.TypePolicyRolledBack {
			continue
		}

		var ev PolicyEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return nil, 0, fmt.Errorf("ledger entry %d: decode policy event: %w", e.Index, err)
		}

		switch e.Type {
		case ledger.TypePolicyPublished:
			if ev.VersionID != int64(len(versions))+1 {
				return nil, 0, fmt.Errorf("ledger entry %d publishes version %d, expected %d", e.Index, ev.VersionID, len(versions)+1)
			}
			versions = append(versions, policy.Version{
				ID:        ev.VersionID,
				Rules:     ev.Rules,
				Author:    ev.Actor,
				CreatedAt: e.Timestamp,
			})
		case ledger.TypePolicyRolledBack:
			if ev.VersionID < 1 || ev.VersionID > int64(len(versions)) {
				return nil, 0, fmt.Errorf("ledger entry %d rolls back to unknown version %d", e.Index, ev.VersionID)
			}
		}
		active = ev.VersionID
	}
	return versions, active, nil
}

// RestorePolicies loads the ledger's policy history into an empty memory
// store and returns the number of versions restored
func RestorePolicies(ctx context.Context, l *ledger.Ledger, store *policy.MemoryStore) (int, error) {
	versions, active, err := PolicyHistory(ctx, l)
	if err != nil {
		return 0, err
	}
	if err := store.Restore(versions, active); err != nil {
		return 0, err
	}
	return len(versions), nil
}
