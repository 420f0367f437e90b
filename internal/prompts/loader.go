// Package prompts renders the prompt templates used by PROMPT_ASSEMBLY steps.
// Templates are stored as JSON files and embedded at compile time; a template id is
// "<file>.<key>", e.g. "scene.draft" reads key "draft" of scene.json.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jonathan/storyforge/internal/types"
)

//go:embed *.json
var promptFiles embed.FS

// cache stores parsed prompt files to avoid repeated JSON parsing
var (
	cache   = make(map[string]map[string]string)
	cacheMu sync.RWMutex
)

// placeholder matches {{.name}} and {{.path.to.value}}.
var placeholder = regexp.MustCompile(`\{\{\s*\.([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Get retrieves a prompt by filename and key.
// The filename should not include the path (e.g., "scene.json").
func Get(filename, key string) (string, error) {
	prompts, err := loadFile(filename)
	if err != nil {
		return "", err
	}

	prompt, exists := prompts[key]
	if !exists {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}

	return prompt, nil
}

// MustGet retrieves a prompt by filename and key, panicking if not found.
func MustGet(filename, key string) string {
	prompt, err := Get(filename, key)
	if err != nil {
		panic(fmt.Sprintf("failed to load prompt: %v", err))
	}
	return prompt
}

// Format replaces {{.path}} placeholders with values from data. Strings are inserted
// as-is and other values as JSON. Placeholders without a value are left in place and
// reported in missing, sorted and deduplicated.
func Format(template string, data map[string]any) (string, []string) {
	seen := make(map[string]bool)
	var missing []string
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(data, path)
		if !ok {
			if !seen[path] {
				seen[path] = true
				missing = append(missing, path)
			}
			return m
		}
		return stringify(v)
	})
	sort.Strings(missing)
	return out, missing
}

// Variables lists the placeholder paths used by template.
func Variables(template string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// loadFile loads and caches a prompt file.
func loadFile(filename string) (map[string]string, error) {
	cacheMu.RLock()
	if prompts, exists := cache[filename]; exists {
		cacheMu.RUnlock()
		return prompts, nil
	}
	cacheMu.RUnlock()

	data, err := promptFiles.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, err)
	}

	var prompts map[string]string
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	cacheMu.Lock()
	cache[filename] = prompts
	cacheMu.Unlock()

	return prompts, nil
}

// ClearCache clears the prompt cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	cache = make(map[string]map[string]string)
	cacheMu.Unlock()
}

// List returns all available prompt keys in a file, sorted.
func List(filename string) ([]string, error) {
	prompts, err := loadFile(filename)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(prompts))
	for key := range prompts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Renderer resolves template ids against the embedded files plus any registered overrides.
type Renderer struct {
	mu        sync.RWMutex
	overrides map[string]string
}

// NewRenderer creates a renderer over the embedded templates.
func NewRenderer() *Renderer {
	return &Renderer{overrides: make(map[string]string)}
}

// Register adds or replaces a template id.
func (r *Renderer) Register(templateID, text string) {
	r.mu.Lock()
	r.overrides[templateID] = text
	r.mu.Unlock()
}

// Template returns the raw text for templateID.
func (r *Renderer) Template(templateID string) (string, error) {
	r.mu.RLock()
	text, ok := r.overrides[templateID]
	r.mu.RUnlock()
	if ok {
		return text, nil
	}
	file, key, found := strings.Cut(templateID, ".")
	if !found || file == "" || key == "" {
		return "", types.NewValidationError("template id %q must have the form <file>.<key>", templateID)
	}
	text, err := Get(file+".json", key)
	if err != nil {
		return "", &types.ValidationError{Message: fmt.Sprintf("unknown template %q", templateID), Cause: err}
	}
	return text, nil
}

// Render fills templateID with vars. A placeholder with no value is a ValidationError.
func (r *Renderer) Render(templateID string, vars map[string]any) (string, error) {
	text, err := r.Template(templateID)
	if err != nil {
		return "", err
	}
	out, missing := Format(text, vars)
	if len(missing) > 0 {
		return "", &types.ValidationError{
			Message: fmt.Sprintf("template %q references missing variables", templateID),
			Issues:  missing,
		}
	}
	return out, nil
}
