// Package resolver maps loosely-specified organizations (a name, maybe a
// website) onto canonical employer ids. Resolution is a first-success
// fold over three tiers: exact normalized-website key, exact
// case-insensitive name, fuzzy name similarity. An input that fails all
// tiers is still returned, flagged for manual handling.
package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spigell/hh-sourcer/internal/cache"
	"github.com/spigell/hh-sourcer/internal/headhunter"

	"go.uber.org/zap"
)

const (
	// DefaultThreshold is the minimum fuzzy similarity accepted by tier 3.
	DefaultThreshold = 0.85

	MethodWebsite   = "website"
	MethodExactName = "exact_name"
	MethodFuzzy     = "fuzzy"
	MethodCached    = "cached"
	MethodNone      = "none"
)

// Provider is the external entity search consumed by the tiers.
type Provider interface {
	SearchEmployers(ctx context.Context, text string) (*headhunter.Employers, error)
}

// Resolved is the outcome for a single input. CanonicalID is empty when
// no tier succeeded; the record is still kept downstream.
type Resolved struct {
	QueryName   string  `json:"query_name"`
	Website     string  `json:"website,omitempty"`
	CanonicalID string  `json:"canonical_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Confidence  float64 `json:"confidence"`
	Tier        int     `json:"tier"`
	Method      string  `json:"method"`
}

// Unresolved reports whether the entity needs manual resolution.
func (r *Resolved) Unresolved() bool {
	return r.CanonicalID == ""
}

type match struct {
	id         string
	name       string
	confidence float64
}

type tierFunc func(ctx context.Context, name, website string) (*match, error)

type Resolver struct {
	provider  Provider
	cache     *cache.Cache
	maxAge    time.Duration
	threshold float64
	logger    *zap.Logger
}

// Options configures the resolver.
type Options struct {
	// Threshold overrides DefaultThreshold when > 0.
	Threshold float64
	// MaxAge is the freshness window for cached resolutions.
	MaxAge time.Duration
	// BypassCache skips cache lookups (resolutions are still written back).
	BypassCache bool
}

func New(provider Provider, store *cache.Cache, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	r := &Resolver{
		provider:  provider,
		maxAge:    opts.MaxAge,
		threshold: threshold,
		logger:    logger,
	}
	if !opts.BypassCache {
		r.cache = store
	}

	return r
}

// Resolve maps one input onto a canonical id. It never returns an error:
// every failure mode degrades to an unresolved record.
func (r *Resolver) Resolve(ctx context.Context, name, website string) *Resolved {
	name = strings.TrimSpace(name)
	website = strings.TrimSpace(website)

	unresolved := &Resolved{
		QueryName: name,
		Website:   website,
		Method:    MethodNone,
	}

	// A nameless input cannot be resolved, whatever the website says.
	if name == "" {
		return unresolved
	}

	if cached := r.fromCache(name, website); cached != nil {
		return cached
	}

	tiers := []struct {
		n  int
		fn tierFunc
	}{
		{1, r.tierWebsite},
		{2, r.tierExactName},
		{3, r.tierFuzzy},
	}

	for _, tier := range tiers {
		m, err := tier.fn(ctx, name, website)
		if err != nil {
			// A tier failure (timeout included) falls through to the next tier.
			r.logger.Warn("resolution tier failed",
				zap.Int("tier", tier.n),
				zap.String("name", name),
				zap.Error(err),
			)
			continue
		}
		if m == nil {
			continue
		}

		resolved := &Resolved{
			QueryName:   name,
			Website:     website,
			CanonicalID: m.id,
			Name:        m.name,
			Confidence:  m.confidence,
			Tier:        tier.n,
			Method:      methodForTier(tier.n),
		}
		r.toCache(resolved)

		return resolved
	}

	r.logger.Info("organization left unresolved, keeping for manual handling",
		zap.String("name", name),
		zap.String("website", website),
	)

	return unresolved
}

// ResolveAll resolves every input and always returns exactly one record
// per input, in input order.
func (r *Resolver) ResolveAll(ctx context.Context, seeds []Seed) []*Resolved {
	resolved := make([]*Resolved, len(seeds))
	for i, seed := range seeds {
		resolved[i] = r.Resolve(ctx, seed.Name, seed.Website)
	}
	return resolved
}

// Seed is one discovery input.
type Seed struct {
	Name    string `mapstructure:"name"`
	Website string `mapstructure:"website"`
}

func methodForTier(tier int) string {
	switch tier {
	case 1:
		return MethodWebsite
	case 2:
		return MethodExactName
	default:
		return MethodFuzzy
	}
}

func (r *Resolver) tierWebsite(ctx context.Context, _, website string) (*match, error) {
	key := NormalizeSite(website)
	if key == "" {
		return nil, nil
	}

	employers, err := r.provider.SearchEmployers(ctx, key)
	if err != nil {
		return nil, err
	}

	for _, employer := range employers.Items {
		if NormalizeSite(employer.SiteURL) == key {
			return &match{id: employer.ID, name: employer.Name, confidence: 1.0}, nil
		}
	}

	return nil, nil
}

func (r *Resolver) tierExactName(ctx context.Context, name, _ string) (*match, error) {
	if name == "" {
		return nil, nil
	}

	employers, err := r.provider.SearchEmployers(ctx, name)
	if err != nil {
		return nil, err
	}

	for _, employer := range employers.Items {
		if strings.EqualFold(strings.TrimSpace(employer.Name), name) {
			return &match{id: employer.ID, name: employer.Name, confidence: 0.95}, nil
		}
	}

	return nil, nil
}

func (r *Resolver) tierFuzzy(ctx context.Context, name, _ string) (*match, error) {
	if name == "" {
		return nil, nil
	}

	employers, err := r.provider.SearchEmployers(ctx, name)
	if err != nil {
		return nil, err
	}

	var best *match
	for _, employer := range employers.Items {
		score := Similarity(name, employer.Name)
		if best == nil || score > best.confidence {
			best = &match{id: employer.ID, name: employer.Name, confidence: score}
		}
	}

	if best == nil || best.confidence < r.threshold {
		return nil, nil
	}

	return best, nil
}

func (r *Resolver) cacheKey(name, website string) string {
	if key := NormalizeSite(website); key != "" {
		return "org:site:" + key
	}
	return "org:name:" + strings.ToLower(name)
}

func (r *Resolver) fromCache(name, website string) *Resolved {
	if r.cache == nil {
		return nil
	}

	hit, outcome := r.cache.Get(r.cacheKey(name, website), r.maxAge, r.maxAge)
	if outcome == cache.Miss {
		return nil
	}

	var resolved Resolved
	if err := json.Unmarshal(hit.Payload, &resolved); err != nil {
		r.logger.Debug("discarding undecodable cached resolution", zap.Error(err))
		return nil
	}

	resolved.Method = MethodCached
	return &resolved
}

func (r *Resolver) toCache(resolved *Resolved) {
	if r.cache == nil {
		return
	}

	if err := r.cache.SetJSON(r.cacheKey(resolved.QueryName, resolved.Website), resolved); err != nil {
		r.logger.Debug("caching resolution failed", zap.Error(err))
	}
}
