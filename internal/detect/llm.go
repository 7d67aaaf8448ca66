package detect

import (
	"context"
	"fmt"
	"strings"
)

// ScreenVerdict is the structured answer from an LLM screener.
type ScreenVerdict struct {
	Injection  bool
	Severity   Severity
	Category   string
	Confidence float64
	Reasoning  string
}

// Screener asks a model whether a message is an injection attempt. The
// implementation owns its own prompt, model choice and timeout handling;
// Screen must respect ctx cancellation.
type Screener interface {
	Screen(ctx context.Context, message string) (ScreenVerdict, error)
}

// llmStrategy wraps a Screener as a detection strategy. It only reports a
// threat when the verdict flags an injection; a clean verdict contributes
// nothing to the fold.
type llmStrategy struct {
	screener Screener
}

func (s *llmStrategy) name() string { return "llm" }

func (s *llmStrategy) analyze(ctx context.Context, message string) ([]Threat, error) {
	verdict, err := s.screener.Screen(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("llm screen: %w", err)
	}
	if !verdict.Injection {
		return nil, nil
	}

	category := strings.TrimSpace(verdict.Category)
	if category == "" {
		category = "llm_flagged"
	}
	sev := verdict.Severity
	if sev <= SeveritySafe {
		sev = SeverityMedium
	}
	conf := verdict.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.5
	}
	return []Threat{{
		Category:   category,
		Severity:   sev,
		Match:      truncateMatch(verdict.Reasoning),
		Confidence: conf,
	}}, nil
}
