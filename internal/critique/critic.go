// Package critique judges generated text against the rules declared on a CRITIQUE step.
package critique

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/storyforge/internal/types"
)

// Verdict is the outcome of one critique.
type Verdict struct {
	Pass   bool     `json:"pass"`
	Issues []string `json:"issues,omitempty"`
	// Feedback is a single instruction suitable for feeding back into a revision prompt.
	Feedback string `json:"feedback,omitempty"`
}

// Critic reviews text under a step's critique rules.
type Critic interface {
	Critique(ctx context.Context, text string, cfg *types.CritiqueConfig) (Verdict, error)
}

// RuleCritic applies the length and phrase rules of the config. It never calls out.
type RuleCritic struct{}

// Critique implements Critic.
func (RuleCritic) Critique(_ context.Context, text string, cfg *types.CritiqueConfig) (Verdict, error) {
	return Evaluate(text, cfg), nil
}

// Evaluate checks text against cfg. Empty text always fails.
func Evaluate(text string, cfg *types.CritiqueConfig) Verdict {
	var issues []string
	trimmed := strings.TrimSpace(text)
	length := utf8.RuneCountInString(trimmed)

	if trimmed == "" {
		issues = append(issues, "text is empty")
	}
	if cfg.MinLength > 0 && length < cfg.MinLength {
		issues = append(issues, fmt.Sprintf("text has %d characters, minimum is %d", length, cfg.MinLength))
	}
	if cfg.MaxLength > 0 && length > cfg.MaxLength {
		issues = append(issues, fmt.Sprintf("text has %d characters, maximum is %d", length, cfg.MaxLength))
	}
	if found := findPhrases(trimmed, cfg.ForbiddenPhrases); len(found) > 0 {
		issues = append(issues, fmt.Sprintf("contains forbidden phrases: %s", quoteAll(found)))
	}
	if missing := missingPhrases(trimmed, cfg.RequiredPhrases); len(missing) > 0 {
		issues = append(issues, fmt.Sprintf("missing required phrases: %s", quoteAll(missing)))
	}

	v := Verdict{Pass: len(issues) == 0, Issues: issues}
	if !v.Pass {
		v.Feedback = "Fix the following: " + strings.Join(issues, "; ") + "."
	}
	return v
}

func quoteAll(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}
