package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spigell/hh-sourcer/internal/ai"
	"github.com/spigell/hh-sourcer/internal/cache"
	"github.com/spigell/hh-sourcer/internal/headhunter"
	"github.com/spigell/hh-sourcer/internal/query"
	"github.com/spigell/hh-sourcer/internal/resolver"
	"github.com/spigell/hh-sourcer/internal/session"
	"github.com/spigell/hh-sourcer/internal/store"
)

// stubSource implements both the resolver employer search and the
// pipeline search provider.
type stubSource struct {
	mu sync.Mutex

	employers []*headhunter.Employer
	previews  []*headhunter.ResumePreview

	resumeCalls map[string]int
	failFirst   map[string]int
	failAlways  map[string]bool

	// onResume, when set, runs at the start of every GetResume call.
	onResume func(id string)

	employerCalls int
}

func newStubSource() *stubSource {
	return &stubSource{
		resumeCalls: make(map[string]int),
		failFirst:   make(map[string]int),
		failAlways:  make(map[string]bool),
	}
}

func (s *stubSource) SearchEmployers(_ context.Context, _ string) (*headhunter.Employers, error) {
	return &headhunter.Employers{Items: s.employers}, nil
}

func (s *stubSource) SearchResumes(_ context.Context, _ *headhunter.ResumeSearchParams) (*headhunter.ResumePreviews, error) {
	return &headhunter.ResumePreviews{Items: s.previews}, nil
}

func (s *stubSource) GetResume(_ context.Context, id string) (*headhunter.ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resumeCalls[id]++
	if s.onResume != nil {
		s.onResume(id)
	}
	if s.failAlways[id] {
		return nil, errors.New("provider error")
	}
	if s.failFirst[id] > 0 {
		s.failFirst[id]--
		return nil, errors.New("transient provider error")
	}

	return &headhunter.ResumeRecord{
		ID:    id,
		Title: "Developer",
		Raw:   map[string]any{"id": id, "title": "Developer"},
	}, nil
}

func (s *stubSource) GetEmployer(_ context.Context, id string) (*headhunter.Employer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.employerCalls++
	return &headhunter.Employer{ID: id, Name: "Acme"}, nil
}

func (s *stubSource) totalResumeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.resumeCalls {
		total += n
	}
	return total
}

type stubScorer struct {
	scores map[string]float64
	fail   map[string]bool
}

func (s *stubScorer) Score(_ context.Context, record map[string]any, requirements []ai.Requirement) (*ai.Assessment, error) {
	id, _ := record["id"].(string)
	if s.fail[id] {
		return nil, errors.New("scoring error")
	}

	scores := make(map[string]float64, len(requirements))
	for _, req := range requirements {
		scores[req.Name] = s.scores[id]
	}

	return &ai.Assessment{Scores: scores, Reason: "stub"}, nil
}

type harness struct {
	pipe     *Pipeline
	sessions *session.Store
	cache    *cache.Cache
	source   *stubSource
	scorer   *stubScorer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline_test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	source := newStubSource()
	cacheTier := cache.New(db, nil)
	sessions := session.NewStore(db, nil)
	scorer := &stubScorer{scores: make(map[string]float64), fail: make(map[string]bool)}
	res := resolver.New(source, cacheTier, resolver.Options{}, nil)

	pipe := New(cfg, Deps{
		Sessions: sessions,
		Cache:    cacheTier,
		Provider: source,
		Resolver: res,
		Scorer:   scorer,
	})

	return &harness{
		pipe:     pipe,
		sessions: sessions,
		cache:    cacheTier,
		source:   source,
		scorer:   scorer,
	}
}

// collectionSession creates a session already advanced to the collection
// stage with n candidate ids.
func collectionSession(t *testing.T, h *harness, n int) *session.State {
	t.Helper()

	created, err := h.sessions.Create("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("r%03d", i)
	}
	if _, _, err := h.sessions.AppendCandidateIDs(created.ID, ids); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, stage := range []session.Stage{session.StagePreview, session.StageCollection} {
		if _, err := h.sessions.MergeUpdate(created.ID, session.Patch{Stage: stage}); err != nil {
			t.Fatalf("advancing to %s: %v", stage, err)
		}
	}

	state, err := h.sessions.Read(created.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return state
}

func TestStartResolvesSeeds(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.employers = []*headhunter.Employer{
		{ID: "42", Name: "Acme", SiteURL: "https://acme.com"},
	}

	seeds := []resolver.Seed{
		{Name: "Acme", Website: "acme.com"},
		{Name: "Qwxzy Corp"},
	}

	state, err := h.pipe.Start(context.Background(), "", seeds)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if state.Stage != session.StagePreview {
		t.Fatalf("expected the session in preview after discovery, got %s", state.Stage)
	}
	if len(state.Discovered) != 2 {
		t.Fatalf("expected one record per seed, got %d", len(state.Discovered))
	}
	if state.Discovered[0].CanonicalID != "42" {
		t.Fatalf("expected the first seed resolved to 42, got %q", state.Discovered[0].CanonicalID)
	}
	if !state.Discovered[1].Unresolved() {
		t.Fatalf("expected the unknown seed kept as unresolved")
	}
	if state.Metadata["discovery_unresolved"] != 1 {
		t.Fatalf("expected 1 unresolved in metadata, got %v", state.Metadata["discovery_unresolved"])
	}
}

func TestPreviewAppendsAndAdvances(t *testing.T) {
	h := newHarness(t, Config{PreviewCap: 2})
	h.source.employers = []*headhunter.Employer{
		{ID: "42", Name: "Acme", SiteURL: "https://acme.com"},
	}
	h.source.previews = []*headhunter.ResumePreview{
		{ID: "r1", Title: "Backend Developer"},
		{ID: "r2", Title: "Platform Engineer"},
		{ID: "r3", Title: "SRE"},
	}

	state, err := h.pipe.Start(context.Background(), "", []resolver.Seed{{Name: "Acme", Website: "acme.com"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := h.pipe.Preview(context.Background(), state.ID, query.Filters{})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	if result.TotalFound != 3 {
		t.Fatalf("expected 3 found, got %d", result.TotalFound)
	}
	if result.Previews.Len() != 2 {
		t.Fatalf("expected the surfaced list capped at 2, got %d", result.Previews.Len())
	}
	if result.Appended != 3 {
		t.Fatalf("expected all 3 ids appended despite the cap, got %d", result.Appended)
	}

	after, _ := h.sessions.Read(state.ID)
	if after.Stage != session.StageCollection {
		t.Fatalf("expected the session in collection after preview, got %s", after.Stage)
	}
	if len(after.CandidateIDs) != 3 {
		t.Fatalf("expected 3 candidate ids, got %d", len(after.CandidateIDs))
	}
}

func TestPreviewFailsWithoutResolvedOrganizations(t *testing.T) {
	h := newHarness(t, Config{})

	state, err := h.pipe.Start(context.Background(), "", []resolver.Seed{{Name: "Qwxzy Corp"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := h.pipe.Preview(context.Background(), state.ID, query.Filters{}); !errors.Is(err, ErrNoResolvedOrganizations) {
		t.Fatalf("expected ErrNoResolvedOrganizations, got %v", err)
	}

	after, _ := h.sessions.Read(state.ID)
	if after.Stage != session.StageFailed {
		t.Fatalf("expected the session failed, got %s", after.Stage)
	}
	if after.Metadata["failure_reason"] == "" {
		t.Fatalf("expected a failure reason in metadata")
	}
}

func TestPreviewWrongStage(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 1)

	if _, err := h.pipe.Preview(context.Background(), state.ID, query.Filters{}); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected ErrWrongStage, got %v", err)
	}
}

func TestCollectVisitsEveryIDExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 4})
	state := collectionSession(t, h, 120)

	offset := 0
	pages := 0
	for {
		result, err := h.pipe.Collect(context.Background(), state.ID, offset, 50)
		if err != nil {
			t.Fatalf("collect at %d: %v", offset, err)
		}
		pages++
		offset = result.NextOffset
		if result.Done {
			break
		}
	}

	if pages != 3 {
		t.Fatalf("expected 3 pages of 50/50/20, got %d", pages)
	}
	if offset != 120 {
		t.Fatalf("expected final offset 120, got %d", offset)
	}
	if got := h.source.totalResumeCalls(); got != 120 {
		t.Fatalf("expected every id fetched exactly once, got %d calls", got)
	}
	for id, calls := range h.source.resumeCalls {
		if calls != 1 {
			t.Fatalf("expected id %s fetched once, got %d", id, calls)
		}
	}
}

func TestCollectPartialLastPage(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 120)

	if _, err := h.pipe.Collect(context.Background(), state.ID, 0, 100); err != nil {
		t.Fatalf("first page: %v", err)
	}

	// Requesting 50 with only 20 left is a valid partial page.
	result, err := h.pipe.Collect(context.Background(), state.ID, 100, 50)
	if err != nil {
		t.Fatalf("partial page: %v", err)
	}
	if len(result.Records) != 20 {
		t.Fatalf("expected 20 records on the partial page, got %d", len(result.Records))
	}
	if !result.Done {
		t.Fatalf("expected the partial page to finish collection")
	}

	// A start beyond the known list is a caller bug.
	if _, err := h.pipe.Collect(context.Background(), state.ID, 150, 50); !errors.Is(err, ErrInvalidPagination) {
		t.Fatalf("expected ErrInvalidPagination, got %v", err)
	}
}

func TestCollectPreservesInputOrder(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 8})
	state := collectionSession(t, h, 40)

	result, err := h.pipe.Collect(context.Background(), state.ID, 0, 40)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(result.Records) != 40 {
		t.Fatalf("expected 40 records, got %d", len(result.Records))
	}
	for i, record := range result.Records {
		want := fmt.Sprintf("r%03d", i)
		if record.ID != want {
			t.Fatalf("record %d out of order: got %s want %s", i, record.ID, want)
		}
	}
}

func TestCollectUsesCacheTier(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 4)

	// Two of the four records are already cached.
	for _, id := range []string{"r000", "r002"} {
		if err := h.cache.SetJSON("resume:"+id, map[string]any{"id": id, "title": "Cached"}); err != nil {
			t.Fatalf("seeding cache: %v", err)
		}
	}

	result, err := h.pipe.Collect(context.Background(), state.ID, 0, 4)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if result.Ledger.Cached != 2 || result.Ledger.Fetched != 2 {
		t.Fatalf("expected 2 cached 2 fetched, got %+v", result.Ledger)
	}
	if result.Ledger.CreditsSpent() != 2 {
		t.Fatalf("expected 2 credits spent, got %d", result.Ledger.CreditsSpent())
	}
	if got := h.source.totalResumeCalls(); got != 2 {
		t.Fatalf("expected only misses to hit the provider, got %d calls", got)
	}

	for _, record := range result.Records {
		switch record.ID {
		case "r000", "r002":
			if record.Source != SourceCache {
				t.Fatalf("expected %s from cache, got %s", record.ID, record.Source)
			}
		default:
			if record.Source != SourceFresh {
				t.Fatalf("expected %s fetched fresh, got %s", record.ID, record.Source)
			}
		}
	}
}

func TestCollectBypassCache(t *testing.T) {
	h := newHarness(t, Config{BypassCache: true})
	state := collectionSession(t, h, 2)

	if err := h.cache.SetJSON("resume:r000", map[string]any{"id": "r000"}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	result, err := h.pipe.Collect(context.Background(), state.ID, 0, 2)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if result.Ledger.Fetched != 2 || result.Ledger.Cached != 0 {
		t.Fatalf("expected every record fetched fresh, got %+v", result.Ledger)
	}
}

func TestCollectRetriesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 2)

	// r000 fails once and succeeds on retry, r001 never succeeds.
	h.source.failFirst["r000"] = 1
	h.source.failAlways["r001"] = true

	result, err := h.pipe.Collect(context.Background(), state.ID, 0, 2)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if len(result.Records) != 1 || result.Records[0].ID != "r000" {
		t.Fatalf("expected r000 collected after retry, got %+v", result.Records)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "r001" {
		t.Fatalf("expected r001 reported failed, got %+v", result.Failed)
	}
	if result.Ledger.Skipped != 1 {
		t.Fatalf("expected 1 skipped in the ledger, got %+v", result.Ledger)
	}
	if h.source.resumeCalls["r000"] != 2 {
		t.Fatalf("expected r000 retried once, got %d calls", h.source.resumeCalls["r000"])
	}
	if h.source.resumeCalls["r001"] != 2 {
		t.Fatalf("expected r001 given exactly one retry, got %d calls", h.source.resumeCalls["r001"])
	}

	// The offset still advances past the failed item; a later run can
	// refetch it with bypass-cache.
	if !result.Done {
		t.Fatalf("expected collection done despite the failed item")
	}
}

func TestCollectStopsOnCancellation(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2})
	state := collectionSession(t, h, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first fetch cancels the run mid-page.
	h.source.onResume = func(string) { cancel() }

	if _, err := h.pipe.Collect(ctx, state.ID, 0, 20); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Only items already past the pre-launch check may run: the two
	// in-flight slots plus at most one waiting on the semaphore.
	if got := h.source.totalResumeCalls(); got > 3 {
		t.Fatalf("expected no launches after cancellation, got %d calls", got)
	}

	after, err := h.sessions.Read(state.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if after.Offset != 0 {
		t.Fatalf("expected the offset untouched by the canceled page, got %d", after.Offset)
	}

	// Resuming from the persisted offset still covers every id.
	h.source.onResume = nil
	offset := after.Offset
	for {
		result, err := h.pipe.Collect(context.Background(), state.ID, offset, 8)
		if err != nil {
			t.Fatalf("resume at %d: %v", offset, err)
		}
		offset = result.NextOffset
		if result.Done {
			break
		}
	}

	if offset != 20 {
		t.Fatalf("expected the resumed run to finish at offset 20, got %d", offset)
	}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("r%03d", i)
		if h.source.resumeCalls[id] == 0 {
			t.Fatalf("expected id %s visited after the resume, got 0 calls", id)
		}
	}
}

func TestCollectWrongStage(t *testing.T) {
	h := newHarness(t, Config{})
	created, _ := h.sessions.Create("")

	if _, err := h.pipe.Collect(context.Background(), created.ID, 0, 10); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("expected ErrWrongStage, got %v", err)
	}
}

func TestCollectEnrichesRecentRecords(t *testing.T) {
	h := newHarness(t, Config{EnrichCutoffYear: 2020})
	state := collectionSession(t, h, 2)

	// r000 has current employment at employer 42, r001 left in 2010.
	if err := h.cache.SetJSON("resume:r000", map[string]any{
		"id": "r000",
		"experience": []any{
			map[string]any{"company_id": "42", "end": ""},
		},
	}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}
	if err := h.cache.SetJSON("resume:r001", map[string]any{
		"id": "r001",
		"experience": []any{
			map[string]any{"company_id": "7", "end": "2010-01-01"},
		},
	}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	result, err := h.pipe.Collect(context.Background(), state.ID, 0, 2)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	var enriched, plain *CandidateRecord
	for _, record := range result.Records {
		switch record.ID {
		case "r000":
			enriched = record
		case "r001":
			plain = record
		}
	}

	if enriched == nil || enriched.Organization == nil {
		t.Fatalf("expected the current employee enriched with its organization")
	}
	if enriched.Organization.ID != "42" {
		t.Fatalf("expected organization 42, got %q", enriched.Organization.ID)
	}
	if plain == nil || plain.Organization != nil {
		t.Fatalf("expected the stale record left unenriched")
	}
	if h.source.employerCalls != 1 {
		t.Fatalf("expected exactly one organization fetch, got %d", h.source.employerCalls)
	}
}

func TestEvaluateRanksAndCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 3)

	h.scorer.scores["r000"] = 0.4
	h.scorer.scores["r001"] = 0.9
	h.scorer.scores["r002"] = 0.6

	if _, err := h.pipe.Collect(context.Background(), state.ID, 0, 3); err != nil {
		t.Fatalf("collect: %v", err)
	}

	requirements := []ai.Requirement{{Name: "go", Weight: 2}, {Name: "kubernetes", Weight: 1}}
	result, err := h.pipe.Evaluate(context.Background(), state.ID, requirements)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(result.Ranked) != 3 {
		t.Fatalf("expected 3 ranked candidates, got %d", len(result.Ranked))
	}
	wantOrder := []string{"r001", "r002", "r000"}
	for i, want := range wantOrder {
		if result.Ranked[i].ID != want {
			t.Fatalf("rank %d: got %s want %s", i, result.Ranked[i].ID, want)
		}
	}

	// The stub scores every requirement the same, so the weighted mean
	// equals the per-requirement score.
	if result.Ranked[0].Score != 0.9 {
		t.Fatalf("expected top score 0.9, got %v", result.Ranked[0].Score)
	}

	after, _ := h.sessions.Read(state.ID)
	if after.Stage != session.StageCompleted {
		t.Fatalf("expected the session completed, got %s", after.Stage)
	}

	persisted, err := h.sessions.ListEvaluations(state.ID)
	if err != nil {
		t.Fatalf("listing evaluations: %v", err)
	}
	if len(persisted) != 3 || persisted[0].CandidateID != "r001" {
		t.Fatalf("expected the ranking persisted, got %+v", persisted)
	}
}

func TestEvaluateExcludesFailures(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 2)

	h.scorer.scores["r000"] = 0.8
	h.scorer.fail["r001"] = true

	if _, err := h.pipe.Collect(context.Background(), state.ID, 0, 2); err != nil {
		t.Fatalf("collect: %v", err)
	}

	result, err := h.pipe.Evaluate(context.Background(), state.ID, []ai.Requirement{{Name: "go"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(result.Ranked) != 1 || result.Ranked[0].ID != "r000" {
		t.Fatalf("expected only the scored candidate ranked, got %+v", result.Ranked)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "r001" {
		t.Fatalf("expected the scoring failure reported, got %+v", result.Failed)
	}
}

func TestEvaluateRequiresRequirements(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 1)

	if _, err := h.pipe.Evaluate(context.Background(), state.ID, nil); err == nil {
		t.Fatalf("expected an error without requirements")
	}
}

func TestFailFromAnyStage(t *testing.T) {
	h := newHarness(t, Config{})
	state := collectionSession(t, h, 1)

	h.pipe.Fail(state.ID, "operator abort")

	after, _ := h.sessions.Read(state.ID)
	if after.Stage != session.StageFailed {
		t.Fatalf("expected failed, got %s", after.Stage)
	}
	if after.Metadata["failure_reason"] != "operator abort" {
		t.Fatalf("expected the reason persisted, got %v", after.Metadata)
	}
}

func TestCombineWeightedMean(t *testing.T) {
	requirements := []ai.Requirement{{Name: "go", Weight: 3}, {Name: "kubernetes", Weight: 1}}
	scores := map[string]float64{"go": 1.0, "kubernetes": 0.0}

	if got := ai.Combine(scores, requirements); got != 0.75 {
		t.Fatalf("expected 0.75, got %v", got)
	}

	// A missing score counts as zero, never as a skip.
	if got := ai.Combine(map[string]float64{"go": 1.0}, requirements); got != 0.75 {
		t.Fatalf("expected a missing score to count as zero, got %v", got)
	}
}
