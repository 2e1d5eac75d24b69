// Package pipeline drives the four-stage sourcing run: organization
// discovery, free candidate preview, credit-aware full-record collection
// and scored evaluation. Session state is persisted after every stage so
// a run can be stopped and resumed at the stored pagination offset.
package pipeline

import (
	"context"
	"time"

	"github.com/spigell/hh-sourcer/internal/ai"
	"github.com/spigell/hh-sourcer/internal/cache"
	"github.com/spigell/hh-sourcer/internal/headhunter"
	"github.com/spigell/hh-sourcer/internal/query"
	"github.com/spigell/hh-sourcer/internal/resolver"
	"github.com/spigell/hh-sourcer/internal/session"

	"go.uber.org/zap"
)

const (
	defaultConcurrency = 5
	defaultPreviewCap  = 100

	defaultResumeFresh        = 3 * 24 * time.Hour
	defaultResumeStale        = 90 * 24 * time.Hour
	defaultOrganizationMaxAge = 30 * 24 * time.Hour
)

// SearchProvider is the candidate search collaborator: free preview
// search plus the metered full-record fetch.
type SearchProvider interface {
	SearchResumes(ctx context.Context, params *headhunter.ResumeSearchParams) (*headhunter.ResumePreviews, error)
	GetResume(ctx context.Context, id string) (*headhunter.ResumeRecord, error)
	GetEmployer(ctx context.Context, id string) (*headhunter.Employer, error)
}

// Config tunes a pipeline instance.
type Config struct {
	// Concurrency bounds parallel external calls within a stage.
	Concurrency int
	// PreviewCap limits how many preview records are surfaced.
	PreviewCap int
	// ResumeFresh is the free-reuse window for cached resume records.
	ResumeFresh time.Duration
	// ResumeStale is the stale-but-acceptable window; older entries
	// force a paid refetch.
	ResumeStale time.Duration
	// OrganizationMaxAge is the reuse window for organization records.
	OrganizationMaxAge time.Duration
	// EnrichCutoffYear bounds organization enrichment cost: only records
	// with experience ending at or after this year get the extra call.
	// Zero disables enrichment.
	EnrichCutoffYear int
	// BypassCache forces fresh fetches everywhere.
	BypassCache bool
	// Strategy picks the query strategy for the preview search.
	Strategy query.Strategy
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.PreviewCap <= 0 {
		c.PreviewCap = defaultPreviewCap
	}
	if c.ResumeFresh <= 0 {
		c.ResumeFresh = defaultResumeFresh
	}
	if c.ResumeStale <= 0 {
		c.ResumeStale = defaultResumeStale
	}
	if c.OrganizationMaxAge <= 0 {
		c.OrganizationMaxAge = defaultOrganizationMaxAge
	}
	if c.Strategy == "" {
		c.Strategy = query.StrategyBalanced
	}
}

// Deps aggregates the pipeline collaborators.
type Deps struct {
	Sessions *session.Store
	Cache    *cache.Cache
	Provider SearchProvider
	Resolver *resolver.Resolver
	Scorer   ai.Scorer
	Logger   *zap.Logger
}

type Pipeline struct {
	cfg      Config
	sessions *session.Store
	cache    *cache.Cache
	provider SearchProvider
	resolver *resolver.Resolver
	scorer   ai.Scorer
	enrich   EnrichPolicy
	logger   *zap.Logger
}

func New(cfg Config, deps Deps) *Pipeline {
	cfg.normalize()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		cfg:      cfg,
		sessions: deps.Sessions,
		cache:    deps.Cache,
		provider: deps.Provider,
		resolver: deps.Resolver,
		scorer:   deps.Scorer,
		enrich:   CutoffYearPolicy(cfg.EnrichCutoffYear),
		logger:   logger,
	}
}

// SetEnrichPolicy replaces the default cutoff-year enrichment predicate.
func (p *Pipeline) SetEnrichPolicy(policy EnrichPolicy) {
	if policy != nil {
		p.enrich = policy
	}
}

// Fail moves the session to the failed stage with a reason. Allowed from
// any stage.
func (p *Pipeline) Fail(sessionID, reason string) {
	_, err := p.sessions.MergeUpdate(sessionID, session.Patch{
		Stage:    session.StageFailed,
		Metadata: map[string]any{"failure_reason": reason},
	})
	if err != nil {
		p.logger.Error("marking session failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// forEachIndexed runs fn for every index with bounded parallelism and
// returns once all items finished. Results keep their input index, so
// callers reassemble in the original order. The context is checked
// before every launch; in-flight items are never interrupted mid-item.
func (p *Pipeline) forEachIndexed(ctx context.Context, n int, fn func(i int)) error {
	semaphore := make(chan struct{}, p.cfg.Concurrency)
	done := make(chan int, n)

	launched := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			break
		}

		semaphore <- struct{}{}
		launched++
		go func(idx int) {
			defer func() { <-semaphore }()
			fn(idx)
			done <- idx
		}(i)
	}

	for i := 0; i < launched; i++ {
		<-done
	}

	return ctx.Err()
}
