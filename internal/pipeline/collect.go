package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spigell/hh-sourcer/internal/cache"
	"github.com/spigell/hh-sourcer/internal/headhunter"
	"github.com/spigell/hh-sourcer/internal/session"
	"github.com/spigell/hh-sourcer/internal/utils"

	"go.uber.org/zap"
)

// CandidateRecord is one collected full record. Source reports whether
// it came from the cache tier or from a paid fetch.
type CandidateRecord struct {
	ID           string
	Fields       map[string]any
	CacheAgeDays int
	Source       string
	Organization *headhunter.Employer
}

const (
	SourceCache = "cache"
	SourceFresh = "fresh"
)

// EnrichPolicy decides which records are worth a paid organization
// enrichment call.
type EnrichPolicy func(record *CandidateRecord) bool

// CutoffYearPolicy enriches only records whose most recent experience
// ends at or after year. A zero year disables enrichment.
func CutoffYearPolicy(year int) EnrichPolicy {
	return func(record *CandidateRecord) bool {
		if year <= 0 || record == nil {
			return false
		}
		return headhunter.ExperienceEndYear(record.Fields) >= year
	}
}

// CollectResult is one collection page: records in original id order,
// per-item failures, the credit ledger of this page and the next offset.
type CollectResult struct {
	Records    []*CandidateRecord
	Failed     []ItemFailure
	Ledger     Ledger
	NextOffset int
	Done       bool
}

// Collect pages through candidate_ids[start:start+count], consulting the
// cache tier per id before any paid fetch. A partial page at the end of
// the list is valid; a start beyond the list is ErrInvalidPagination.
func (p *Pipeline) Collect(ctx context.Context, sessionID string, start, count int) (*CollectResult, error) {
	state, err := p.sessions.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if state.Stage != session.StageCollection {
		return nil, fmt.Errorf("%w: %s is in %q, want %q", ErrWrongStage, sessionID, state.Stage, session.StageCollection)
	}

	known := len(state.CandidateIDs)
	if start < 0 || start > known {
		return nil, fmt.Errorf("%w: start %d, known %d", ErrInvalidPagination, start, known)
	}
	if count <= 0 {
		count = p.cfg.Concurrency * 10
	}

	end := start + count
	if end > known {
		end = known
	}
	ids := state.CandidateIDs[start:end]

	p.logger.Info("collecting candidate records",
		zap.String("session_id", sessionID),
		zap.Int("start", start),
		zap.Int("count", len(ids)),
	)

	type itemResult struct {
		record *CandidateRecord
		err    error
	}

	results := make([]itemResult, len(ids))
	err = p.forEachIndexed(ctx, len(ids), func(i int) {
		record, err := p.collectOne(ctx, ids[i])
		results[i] = itemResult{record: record, err: err}
	})
	if err != nil {
		// The in-flight batch has completed; resuming later from the
		// persisted offset is safe.
		return nil, err
	}

	result := &CollectResult{}
	for i, item := range results {
		if item.err != nil {
			result.Failed = append(result.Failed, ItemFailure{ID: ids[i], Err: item.err.Error()})
			result.Ledger.Skipped++
			continue
		}

		result.Records = append(result.Records, item.record)
		if item.record.Source == SourceCache {
			result.Ledger.Cached++
		} else {
			result.Ledger.Fetched++
		}
	}

	if end > state.Offset {
		if state, err = p.sessions.AdvanceOffset(sessionID, end); err != nil {
			return nil, err
		}
	}

	if _, err := p.sessions.MergeUpdate(sessionID, session.Patch{
		Metadata: map[string]any{
			"collected_through": state.Offset,
			"collection_failed": len(result.Failed),
		},
	}); err != nil {
		return nil, fmt.Errorf("persisting collection progress: %w", err)
	}

	result.NextOffset = state.Offset
	result.Done = state.Remaining() == 0

	p.logger.Info("collection page done", append(result.Ledger.Fields(),
		zap.String("session_id", sessionID),
		zap.Int("next_offset", result.NextOffset),
		zap.Bool("done", result.Done),
	)...)

	return result, nil
}

// collectOne fetches a single record, cache first. A paid fetch is
// retried once before the item is reported failed.
func (p *Pipeline) collectOne(ctx context.Context, id string) (*CandidateRecord, error) {
	key := "resume:" + id

	if !p.cfg.BypassCache {
		if hit, outcome := p.cache.Get(key, p.cfg.ResumeFresh, p.cfg.ResumeStale); outcome != cache.Miss {
			var fields map[string]any
			if err := json.Unmarshal(hit.Payload, &fields); err == nil {
				record := &CandidateRecord{
					ID:           id,
					Fields:       fields,
					CacheAgeDays: int(hit.Age().Hours() / 24),
					Source:       SourceCache,
				}
				p.maybeEnrich(ctx, record)
				return record, nil
			}
			p.logger.Warn("undecodable cache entry, refetching", zap.String("key", key))
		}
	}

	var fetched *headhunter.ResumeRecord
	err := utils.Retry(ctx, 2, 0, func() error {
		var fetchErr error
		fetched, fetchErr = p.provider.GetResume(ctx, id)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching resume %s: %w", id, err)
	}

	if err := p.cache.SetJSON(key, fetched.Raw); err != nil {
		p.logger.Warn("caching fetched resume failed", zap.String("id", id), zap.Error(err))
	}

	record := &CandidateRecord{
		ID:     id,
		Fields: fetched.Raw,
		Source: SourceFresh,
	}
	p.maybeEnrich(ctx, record)

	return record, nil
}

// maybeEnrich attaches the latest organization record when the policy
// approves the extra cost. Enrichment failures only log.
func (p *Pipeline) maybeEnrich(ctx context.Context, record *CandidateRecord) {
	if !p.enrich(record) {
		return
	}

	orgID := latestCompanyID(record.Fields)
	if orgID == "" {
		return
	}

	key := "org:id:" + orgID
	if !p.cfg.BypassCache {
		if hit, outcome := p.cache.Get(key, p.cfg.OrganizationMaxAge, p.cfg.OrganizationMaxAge); outcome != cache.Miss {
			var employer headhunter.Employer
			if err := json.Unmarshal(hit.Payload, &employer); err == nil {
				record.Organization = &employer
				return
			}
		}
	}

	employer, err := p.provider.GetEmployer(ctx, orgID)
	if err != nil {
		p.logger.Debug("organization enrichment failed",
			zap.String("candidate_id", record.ID),
			zap.String("organization_id", orgID),
			zap.Error(err),
		)
		return
	}

	if err := p.cache.SetJSON(key, employer); err != nil {
		p.logger.Debug("caching organization failed", zap.String("id", orgID), zap.Error(err))
	}
	record.Organization = employer
}

func latestCompanyID(fields map[string]any) string {
	entries, ok := fields["experience"].([]any)
	if !ok || len(entries) == 0 {
		return ""
	}

	item, ok := entries[0].(map[string]any)
	if !ok {
		return ""
	}

	id, _ := item["company_id"].(string)
	return id
}
