package pipeline

import (
	"context"
	"fmt"

	"github.com/spigell/hh-sourcer/internal/headhunter"
	"github.com/spigell/hh-sourcer/internal/query"
	"github.com/spigell/hh-sourcer/internal/session"

	"go.uber.org/zap"
)

// PreviewResult is the outcome of the free preview stage.
type PreviewResult struct {
	// Previews holds up to PreviewCap brief records for display.
	Previews *headhunter.ResumePreviews
	// TotalFound is the full match count before capping.
	TotalFound int
	// Appended is how many new candidate ids entered the session list.
	Appended int
}

// Preview runs the free preview search against the resolved
// organizations, caches the brief records and appends every matching id
// to the session for later paging.
func (p *Pipeline) Preview(ctx context.Context, sessionID string, filters query.Filters) (*PreviewResult, error) {
	state, err := p.sessions.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if state.Stage != session.StagePreview {
		return nil, fmt.Errorf("%w: %s is in %q, want %q", ErrWrongStage, sessionID, state.Stage, session.StagePreview)
	}

	for _, entity := range state.Discovered {
		if !entity.Unresolved() {
			filters.OrganizationIDs = append(filters.OrganizationIDs, entity.CanonicalID)
		}
	}
	if len(filters.OrganizationIDs) == 0 {
		p.Fail(sessionID, "discovery resolved no organizations")
		return nil, ErrNoResolvedOrganizations
	}

	q, err := query.Build(filters, p.cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("building preview query: %w", err)
	}

	previews, err := p.provider.SearchResumes(ctx, headhunter.FromQuery(q))
	if err != nil {
		return nil, fmt.Errorf("preview search: %w", err)
	}

	for _, preview := range previews.Items {
		if err := p.cache.SetJSON("resume:preview:"+preview.ID, preview); err != nil {
			p.logger.Debug("caching preview failed", zap.String("id", preview.ID), zap.Error(err))
		}
	}

	added, total, err := p.sessions.AppendCandidateIDs(sessionID, previews.IDs())
	if err != nil {
		return nil, fmt.Errorf("appending candidate ids: %w", err)
	}

	if _, err := p.sessions.MergeUpdate(sessionID, session.Patch{
		Stage: session.StageCollection,
		Metadata: map[string]any{
			"preview_found":   previews.Len(),
			"candidate_total": total,
		},
	}); err != nil {
		return nil, fmt.Errorf("persisting preview results: %w", err)
	}

	p.logger.Info("preview completed",
		zap.String("session_id", sessionID),
		zap.Int("found", previews.Len()),
		zap.Int("appended", added),
		zap.Int("candidate_total", total),
	)

	surfaced := previews
	if previews.Len() > p.cfg.PreviewCap {
		surfaced = &headhunter.ResumePreviews{Items: previews.Items[:p.cfg.PreviewCap]}
	}

	return &PreviewResult{
		Previews:   surfaced,
		TotalFound: previews.Len(),
		Appended:   added,
	}, nil
}
