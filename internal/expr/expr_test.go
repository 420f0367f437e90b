package expr

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func scope(payload map[string]any) LookupFunc {
	return MapLookup(map[string]any{
		"payload": payload,
		"loop":    map[string]any{"revise": 2},
	})
}

func TestEvaluate(t *testing.T) {
	payload := map[string]any{
		"tension": 7,
		"mood":    "grim",
		"flagged": false,
		"score":   json.Number("3.5"),
		"nested":  map[string]any{"depth": 2.0},
		"missing": nil,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"greater than", "payload.tension > 5", true},
		{"less or equal", "payload.tension <= 5", false},
		{"string equality", `payload.mood == "grim"`, true},
		{"single quoted", `payload.mood != 'cheerful'`, true},
		{"bool negation", "!payload.flagged", true},
		{"and", "payload.tension > 5 && payload.mood == 'grim'", true},
		{"or short circuit", "payload.tension > 5 || payload.nope > 1", true},
		{"parentheses", "!(payload.tension < 5) && (payload.flagged == false)", true},
		{"json number", "payload.score >= 3.5", true},
		{"nested path", "payload.nested.depth == 2", true},
		{"negative literal", "payload.tension > -1", true},
		{"null equality", "payload.missing == null", true},
		{"loop counter", "loop.revise >= 2", true},
		{"string ordering", `payload.mood < "happy"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(context.Background(), tt.expr, scope(payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	payload := map[string]any{"tension": 7, "mood": "grim"}

	tests := []struct {
		name    string
		expr    string
		wantErr error
	}{
		{"empty", "   ", ErrSyntax},
		{"dangling operator", "payload.tension >", ErrSyntax},
		{"single equals", "payload.tension = 5", ErrSyntax},
		{"unbalanced", "(payload.tension > 5", ErrSyntax},
		{"unterminated string", `payload.mood == "grim`, ErrSyntax},
		{"malformed identifier", "payload..tension > 1", ErrSyntax},
		{"unknown identifier", "payload.pressure > 5", ErrUnknownIdentifier},
		{"non boolean result", "payload.tension", ErrTypeMismatch},
		{"ordering mixed types", `payload.tension > "high"`, ErrTypeMismatch},
		{"negating number", "!payload.tension", ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(context.Background(), tt.expr, scope(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCompile_Identifiers(t *testing.T) {
	c, err := Compile("payload.a > 1 && !(loop.x == 2 || payload.b.c)")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"payload.a", "loop.x", "payload.b.c"}, c.Identifiers())
	assert.Equal(t, "payload.a > 1 && !(loop.x == 2 || payload.b.c)", c.String())
}

func TestEval_CanceledContext(t *testing.T) {
	c, err := Compile("true")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Eval(ctx, scope(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluate_ThresholdProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tension := rapid.IntRange(-100, 100).Draw(t, "tension")
		threshold := rapid.IntRange(-100, 100).Draw(t, "threshold")

		c, err := Compile("payload.tension > " + itoa(threshold))
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		got, err := c.Eval(context.Background(), scope(map[string]any{"tension": tension}))
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if got != (tension > threshold) {
			t.Fatalf("tension=%d threshold=%d got %v", tension, threshold, got)
		}
	})
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
