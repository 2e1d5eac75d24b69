package pipeline

import (
	"context"
	"fmt"

	"github.com/spigell/hh-sourcer/internal/resolver"
	"github.com/spigell/hh-sourcer/internal/session"

	"go.uber.org/zap"
)

// Start creates a session and runs the discovery stage: every seed is
// resolved to a canonical organization id where possible. Unresolvable
// seeds are kept as unresolved records, never dropped.
func (p *Pipeline) Start(ctx context.Context, sessionID string, seeds []resolver.Seed) (*session.State, error) {
	state, err := p.sessions.Create(sessionID)
	if err != nil {
		return nil, err
	}

	p.logger.Info("starting discovery",
		zap.String("session_id", state.ID),
		zap.Int("seeds", len(seeds)),
	)

	resolved := make([]*resolver.Resolved, len(seeds))
	err = p.forEachIndexed(ctx, len(seeds), func(i int) {
		resolved[i] = p.resolver.Resolve(ctx, seeds[i].Name, seeds[i].Website)
	})
	if err != nil {
		p.Fail(state.ID, fmt.Sprintf("discovery canceled: %v", err))
		return nil, err
	}

	var unresolved int
	for _, entity := range resolved {
		if entity.Unresolved() {
			unresolved++
			continue
		}
		p.logger.Info("organization resolved",
			zap.String("name", entity.QueryName),
			zap.String("canonical_id", entity.CanonicalID),
			zap.Int("tier", entity.Tier),
			zap.Float64("confidence", entity.Confidence),
		)
	}

	state, err = p.sessions.MergeUpdate(state.ID, session.Patch{
		Stage:      session.StagePreview,
		Discovered: resolved,
		Metadata: map[string]any{
			"discovery_total":      len(resolved),
			"discovery_unresolved": unresolved,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("persisting discovery results: %w", err)
	}

	p.logger.Info("discovery completed",
		zap.String("session_id", state.ID),
		zap.Int("resolved", len(resolved)-unresolved),
		zap.Int("unresolved", unresolved),
	)

	return state, nil
}
