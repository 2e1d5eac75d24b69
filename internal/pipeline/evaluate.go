package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spigell/hh-sourcer/internal/ai"
	"github.com/spigell/hh-sourcer/internal/cache"
	"github.com/spigell/hh-sourcer/internal/session"

	"go.uber.org/zap"
)

// ScoredCandidate is one evaluated record.
type ScoredCandidate struct {
	ID     string
	Score  float64
	Scores map[string]float64
	Reason string
}

// EvaluateResult is the ranked outcome of the evaluation stage.
type EvaluateResult struct {
	Ranked []*ScoredCandidate
	Failed []ItemFailure
}

// Evaluate scores every collected record against the requirements,
// combines per-requirement scores with their weights, persists the
// ranking and completes the session. Scoring failures are item-scoped.
func (p *Pipeline) Evaluate(ctx context.Context, sessionID string, requirements []ai.Requirement) (*EvaluateResult, error) {
	if len(requirements) == 0 {
		return nil, fmt.Errorf("at least one requirement is required")
	}

	state, err := p.sessions.MergeUpdate(sessionID, session.Patch{Stage: session.StageEvaluation})
	if err != nil {
		return nil, err
	}

	collected := state.CandidateIDs[:state.Offset]
	p.logger.Info("evaluating collected records",
		zap.String("session_id", sessionID),
		zap.Int("count", len(collected)),
	)

	type itemResult struct {
		scored *ScoredCandidate
		err    error
	}

	results := make([]itemResult, len(collected))
	err = p.forEachIndexed(ctx, len(collected), func(i int) {
		scored, err := p.evaluateOne(ctx, collected[i], requirements)
		results[i] = itemResult{scored: scored, err: err}
	})
	if err != nil {
		return nil, err
	}

	result := &EvaluateResult{}
	for i, item := range results {
		if item.err != nil {
			result.Failed = append(result.Failed, ItemFailure{ID: collected[i], Err: item.err.Error()})
			continue
		}
		result.Ranked = append(result.Ranked, item.scored)
	}

	sort.SliceStable(result.Ranked, func(i, j int) bool {
		return result.Ranked[i].Score > result.Ranked[j].Score
	})

	evals := make([]session.Evaluation, 0, len(result.Ranked))
	for _, scored := range result.Ranked {
		evals = append(evals, session.Evaluation{
			SessionID:   sessionID,
			CandidateID: scored.ID,
			Score:       scored.Score,
			Reason:      scored.Reason,
		})
	}
	if err := p.sessions.SaveEvaluations(sessionID, evals); err != nil {
		return nil, fmt.Errorf("persisting evaluations: %w", err)
	}

	if _, err := p.sessions.MergeUpdate(sessionID, session.Patch{
		Stage: session.StageCompleted,
		Metadata: map[string]any{
			"evaluated":         len(result.Ranked),
			"evaluation_failed": len(result.Failed),
		},
	}); err != nil {
		return nil, fmt.Errorf("completing session: %w", err)
	}

	p.logger.Info("evaluation completed",
		zap.String("session_id", sessionID),
		zap.Int("ranked", len(result.Ranked)),
		zap.Int("failed", len(result.Failed)),
	)

	return result, nil
}

func (p *Pipeline) evaluateOne(ctx context.Context, id string, requirements []ai.Requirement) (*ScoredCandidate, error) {
	hit, outcome := p.cache.Get("resume:"+id, p.cfg.ResumeStale, p.cfg.ResumeStale)
	if outcome == cache.Miss {
		return nil, fmt.Errorf("record %s was not collected", id)
	}

	var fields map[string]any
	if err := json.Unmarshal(hit.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}

	assessment, err := p.scorer.Score(ctx, fields, requirements)
	if err != nil {
		return nil, fmt.Errorf("scoring %s: %w", id, err)
	}

	return &ScoredCandidate{
		ID:     id,
		Score:  ai.Combine(assessment.Scores, requirements),
		Scores: assessment.Scores,
		Reason: assessment.Reason,
	}, nil
}
