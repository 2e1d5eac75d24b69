package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spigell/hh-sourcer/internal/ai"

	"go.uber.org/zap"
)

type stubGenerator struct {
	response   string
	failures   int
	calls      int
	lastPrompt string
}

func (s *stubGenerator) GenerateContent(_ context.Context, prompt string) (string, error) {
	s.calls++
	s.lastPrompt = prompt
	if s.calls <= s.failures {
		return "", errors.New("generation error")
	}
	return s.response, nil
}

func (s *stubGenerator) Model() string {
	return "stub-model"
}

func TestScorerScore(t *testing.T) {
	stub := &stubGenerator{response: `{"scores": {"go": 0.9, "kubernetes": 0.4}, "reason": "Strong backend profile"}`}
	scorer := NewScorer(stub, 0, 0, zap.NewNop())

	record := map[string]any{"id": "r1", "title": "Backend Developer"}
	requirements := []ai.Requirement{{Name: "go", Weight: 2}, {Name: "kubernetes", Weight: 1}}

	assessment, err := scorer.Score(context.Background(), record, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if assessment.Scores["go"] != 0.9 {
		t.Fatalf("expected go score 0.9, got %v", assessment.Scores["go"])
	}
	if assessment.Scores["kubernetes"] != 0.4 {
		t.Fatalf("expected kubernetes score 0.4, got %v", assessment.Scores["kubernetes"])
	}
	if assessment.Reason != "Strong backend profile" {
		t.Fatalf("unexpected reason: %q", assessment.Reason)
	}

	if !strings.Contains(stub.lastPrompt, "Backend Developer") {
		t.Fatalf("expected the candidate payload in the prompt")
	}
	if !strings.Contains(stub.lastPrompt, "kubernetes") {
		t.Fatalf("expected the requirements in the prompt")
	}
}

func TestScorerRetries(t *testing.T) {
	stub := &stubGenerator{
		response: `{"scores": {"go": 0.7}, "reason": "ok"}`,
		failures: 1,
	}
	scorer := NewScorer(stub, 1, 0, zap.NewNop())
	scorer.retryDelay = 0

	assessment, err := scorer.Score(context.Background(),
		map[string]any{"id": "r1"},
		[]ai.Requirement{{Name: "go"}},
	)
	if err != nil {
		t.Fatalf("expected the retry to recover, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected 2 generation attempts, got %d", stub.calls)
	}
	if assessment.Scores["go"] != 0.7 {
		t.Fatalf("unexpected score: %v", assessment.Scores["go"])
	}
}

func TestScorerExhaustsRetries(t *testing.T) {
	stub := &stubGenerator{failures: 10}
	scorer := NewScorer(stub, 1, 0, zap.NewNop())
	scorer.retryDelay = 0

	if _, err := scorer.Score(context.Background(),
		map[string]any{"id": "r1"},
		[]ai.Requirement{{Name: "go"}},
	); err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if stub.calls != 2 {
		t.Fatalf("expected exactly maxRetries+1 attempts, got %d", stub.calls)
	}
}

type stubCachingGenerator struct {
	stubGenerator

	cacheName     string
	ensureCalls   int
	cachedCalls   int
	lastCacheName string
	lastRunID     string
}

func (s *stubCachingGenerator) EnsureRequirementsCache(_ context.Context, runID, _ string) (string, error) {
	s.ensureCalls++
	s.lastRunID = runID
	if s.cacheName == "" {
		return "", errors.New("cache unavailable")
	}
	return s.cacheName, nil
}

func (s *stubCachingGenerator) GenerateContentWithCache(_ context.Context, prompt, cacheName string) (string, error) {
	s.cachedCalls++
	s.lastCacheName = cacheName
	s.lastPrompt = prompt
	return s.response, nil
}

func TestScorerUsesRequirementsCache(t *testing.T) {
	stub := &stubCachingGenerator{
		stubGenerator: stubGenerator{response: `{"scores": {"go": 0.5}, "reason": "ok"}`},
		cacheName:     "cachedContents/abc",
	}
	scorer := NewScorer(stub, 0, 0, zap.NewNop())
	scorer.SetRun("run-20260824-test")

	requirements := []ai.Requirement{{Name: "go"}}
	if _, err := scorer.Score(context.Background(), map[string]any{"id": "r1"}, requirements); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stub.ensureCalls != 1 || stub.lastRunID != "run-20260824-test" {
		t.Fatalf("expected the requirements cache ensured for the run, got %d calls", stub.ensureCalls)
	}
	if stub.cachedCalls != 1 || stub.lastCacheName != "cachedContents/abc" {
		t.Fatalf("expected the cached generation path, got %d calls", stub.cachedCalls)
	}
	if stub.calls != 0 {
		t.Fatalf("expected no inline generation, got %d calls", stub.calls)
	}
	if strings.Contains(stub.lastPrompt, `"name": "go"`) {
		t.Fatalf("expected the requirements omitted from the cached prompt")
	}
}

func TestScorerFallsBackWhenCacheUnavailable(t *testing.T) {
	stub := &stubCachingGenerator{
		stubGenerator: stubGenerator{response: `{"scores": {"go": 0.5}, "reason": "ok"}`},
	}
	scorer := NewScorer(stub, 0, 0, zap.NewNop())
	scorer.SetRun("run-20260824-test")

	if _, err := scorer.Score(context.Background(), map[string]any{"id": "r1"}, []ai.Requirement{{Name: "go"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stub.cachedCalls != 0 {
		t.Fatalf("expected no cached generation after the cache failed")
	}
	if stub.calls != 1 {
		t.Fatalf("expected the inline path, got %d calls", stub.calls)
	}
	if !strings.Contains(stub.lastPrompt, "go") {
		t.Fatalf("expected the requirements inline in the prompt")
	}
}

func TestScorerRequiresInput(t *testing.T) {
	scorer := NewScorer(&stubGenerator{}, 0, 0, zap.NewNop())

	if _, err := scorer.Score(context.Background(), nil, []ai.Requirement{{Name: "go"}}); err == nil {
		t.Fatalf("expected an error without a record")
	}
	if _, err := scorer.Score(context.Background(), map[string]any{"id": "r1"}, nil); err == nil {
		t.Fatalf("expected an error without requirements")
	}
}

func TestParseResponseHandlesCodeBlock(t *testing.T) {
	raw := "```json\n{\"scores\": {\"go\": \"0.8\"}, \"reason\": \"Looks good\"}\n```"
	assessment, err := parseResponse(raw, []ai.Requirement{{Name: "go"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if assessment.Scores["go"] != 0.8 {
		t.Fatalf("expected the quoted score coerced to 0.8, got %v", assessment.Scores["go"])
	}
	if assessment.Reason != "Looks good" {
		t.Fatalf("unexpected reason: %q", assessment.Reason)
	}
}

func TestParseResponseSkipsUnparseableScores(t *testing.T) {
	raw := `{"scores": {"go": 0.9, "kubernetes": "n/a"}, "reason": "partial"}`
	assessment, err := parseResponse(raw, []ai.Requirement{{Name: "go"}, {Name: "kubernetes"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if assessment.Scores["go"] != 0.9 {
		t.Fatalf("expected go kept, got %v", assessment.Scores)
	}
	if _, ok := assessment.Scores["kubernetes"]; ok {
		t.Fatalf("expected the unparseable score dropped, got %v", assessment.Scores)
	}
}

func TestParseResponseInvalidJSON(t *testing.T) {
	if _, err := parseResponse("not json at all", []ai.Requirement{{Name: "go"}}); err == nil {
		t.Fatalf("expected a parse error")
	}
}
