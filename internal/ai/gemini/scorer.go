package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "embed"

	"github.com/spigell/hh-sourcer/internal/ai"
	"github.com/spigell/hh-sourcer/internal/logger"
	"github.com/spigell/hh-sourcer/internal/utils"

	"go.uber.org/zap"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

// cacheCapableGenerator can pin the requirements payload in a cached
// content resource so a long batch does not resend it per candidate.
type cacheCapableGenerator interface {
	contentGenerator
	EnsureRequirementsCache(ctx context.Context, runID, payload string) (string, error)
	GenerateContentWithCache(ctx context.Context, prompt, cacheName string) (string, error)
}

// Scorer implements ai.Scorer on top of a Gemini content generator.
type Scorer struct {
	generator  contentGenerator
	maxRetries int
	retryDelay time.Duration
	maxLogLen  int
	runID      string
	log        *zap.Logger
}

//go:embed prompt.md
var promptTemplate string

const (
	defaultMaxLogLength = 200
	defaultRetryDelay   = 2 * time.Second
)

func NewScorer(generator contentGenerator, maxRetries, maxLogLength int, log *zap.Logger) *Scorer {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Scorer{
		generator:  generator,
		maxRetries: maxRetries,
		retryDelay: defaultRetryDelay,
		maxLogLen:  maxLogLength,
		log:        log,
	}
}

// Score sends the candidate record and requirements to Gemini and parses
// the per-requirement scores. The overall value is left for the caller to
// combine with its weights.
func (s *Scorer) Score(ctx context.Context, record map[string]any, requirements []ai.Requirement) (*ai.Assessment, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("candidate record is required")
	}
	if len(requirements) == 0 {
		return nil, fmt.Errorf("at least one requirement is required")
	}

	recordJSON, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal candidate payload: %w", err)
	}

	requirementsJSON, err := json.MarshalIndent(requirements, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal requirements payload: %w", err)
	}

	cacheName := s.ensureCache(ctx, string(requirementsJSON))

	requirementsBlock := string(requirementsJSON)
	if cacheName != "" {
		requirementsBlock = "(provided in the cached context)"
	}
	prompt := buildPrompt(requirementsBlock, string(recordJSON))

	s.log.Debug("gemini score request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", logger.TruncateForLog(prompt, s.maxLogLen)),
	)

	var raw string
	err = utils.Retry(ctx, s.maxRetries+1, s.retryDelay, func() error {
		var genErr error
		if cacheName != "" {
			raw, genErr = s.generator.(cacheCapableGenerator).GenerateContentWithCache(ctx, prompt, cacheName)
		} else {
			raw, genErr = s.generator.GenerateContent(ctx, prompt)
		}
		return genErr
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("gemini score response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", logger.TruncateForLog(raw, s.maxLogLen)),
	)

	assessment, err := parseResponse(raw, requirements)
	if err != nil {
		return nil, err
	}

	assessment.Raw = raw
	return assessment, nil
}

// SetRun scopes the requirements cache to a session. Without a run id
// every request carries the requirements inline.
func (s *Scorer) SetRun(runID string) {
	s.runID = strings.TrimSpace(runID)
}

// ensureCache returns the cached content name for the requirements, or
// empty when caching is unavailable. A cache failure is never fatal.
func (s *Scorer) ensureCache(ctx context.Context, requirementsJSON string) string {
	if s.runID == "" {
		return ""
	}

	generator, ok := s.generator.(cacheCapableGenerator)
	if !ok {
		return ""
	}

	name, err := generator.EnsureRequirementsCache(ctx, s.runID, requirementsJSON)
	if err != nil {
		s.log.Debug("requirements cache unavailable, sending inline", zap.Error(err))
		return ""
	}
	return name
}

func buildPrompt(requirementsJSON, candidateJSON string) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Requirements:\n{{REQUIREMENTS_JSON}}\n\nCandidate:\n{{CANDIDATE_JSON}}\n\nJSON Response:"
	}
	prompt := strings.ReplaceAll(template, "{{REQUIREMENTS_JSON}}", requirementsJSON)
	prompt = strings.ReplaceAll(prompt, "{{CANDIDATE_JSON}}", candidateJSON)
	return prompt
}

func parseResponse(raw string, requirements []ai.Requirement) (*ai.Assessment, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = extractJSON(cleaned)

	var data struct {
		Scores map[string]any `json:"scores"`
		Reason any            `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	scores := make(map[string]float64, len(requirements))
	for name, value := range data.Scores {
		score := coerceFloat(value)
		if math.IsNaN(score) {
			continue
		}
		scores[name] = score
	}

	return &ai.Assessment{
		Scores: scores,
		Reason: coerceString(data.Reason),
	}, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		if v == nil {
			return ""
		}
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}
