package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonathan/storyforge/internal/config"
	"github.com/jonathan/storyforge/internal/definition"
	"github.com/jonathan/storyforge/internal/pipeline"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T, definitionsDir string) *config.Config {
	t.Helper()
	c := config.Defaults()
	c.DefinitionsDir = definitionsDir
	c.LLMProvider = "none"
	return &c
}

func newTestApp(t *testing.T, definitionsDir string) *app {
	t.Helper()
	a, err := buildApp(context.Background(), memoryConfig(t, definitionsDir), zerolog.Nop(), appOptions{generation: true})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORY_LLM_PROVIDER", "none")
	t.Setenv("STORY_DEFINITIONS_DIR", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadPayload(t *testing.T) {
	dir := t.TempDir()
	jsonFile := writeFile(t, dir, "p.json", `{"topic": "the harbor", "n": 2}`)
	yamlFile := writeFile(t, dir, "p.yaml", "topic: the harbor\ncast:\n  - Mira\n")
	badFile := writeFile(t, dir, "bad.json", `[1, 2]`)

	tests := []struct {
		name    string
		inline  string
		path    string
		want    map[string]any
		wantErr string
	}{
		{name: "empty", want: nil},
		{name: "inline", inline: `{"topic": "rain"}`, want: map[string]any{"topic": "rain"}},
		{name: "json file", path: jsonFile, want: map[string]any{"topic": "the harbor", "n": float64(2)}},
		{name: "yaml file", path: yamlFile, want: map[string]any{"topic": "the harbor", "cast": []any{"Mira"}}},
		{name: "both", inline: `{}`, path: jsonFile, wantErr: "mutually exclusive"},
		{name: "inline array", inline: `[1]`, wantErr: "not a JSON object"},
		{name: "file array", path: badFile, wantErr: "failed to parse payload file"},
		{name: "missing file", path: filepath.Join(dir, "nope.json"), wantErr: "failed to read payload file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadPayload(tt.inline, tt.path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildApp_LoadsDefinitionsDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "note.jsonc", noteDefinition)
	writeFile(t, dir, "broken.json", `{"id": "broken", "steps": []}`)

	a := newTestApp(t, dir)

	def, err := a.catalog.Get("note", "")
	require.NoError(t, err)
	assert.Len(t, def.Steps, 2)

	_, err = a.catalog.Get("broken", "")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestResolveDefinition(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "note.jsonc", noteDefinition)
	catalog := definition.NewCatalog(zerolog.Nop())

	def, err := resolveDefinition(catalog, path, "")
	require.NoError(t, err)
	assert.Equal(t, "note", def.ID)

	_, err = resolveDefinition(catalog, path, "v1")
	assert.Error(t, err)

	_, err = resolveDefinition(catalog, "note", "")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	_, err = catalog.Put(def)
	require.NoError(t, err)
	got, err := resolveDefinition(catalog, "note", "")
	require.NoError(t, err)
	assert.Equal(t, "note", got.ID)
}

func startNote(t *testing.T, a *app) *types.RunStatus {
	t.Helper()
	def, err := definition.Parse([]byte(noteDefinition), definition.FormatJSON)
	require.NoError(t, err)
	ctx := context.Background()
	runID, err := a.engine.Start(ctx, def, nil, pipeline.StartOptions{})
	require.NoError(t, err)
	st, err := a.engine.Status(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, types.RunPausedForUser, st.State)
	return st
}

func TestDriveInteractive_ResumesUntilDone(t *testing.T) {
	a := newTestApp(t, "")
	st := startNote(t, a)

	var out bytes.Buffer
	in := strings.NewReader("not json\n{\"text\": \"the lighthouse keeper lies\"}\n")
	final, err := driveInteractive(context.Background(), a.engine, st, in, &out)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, final.State)
	assert.Contains(t, out.String(), "invalid payload")
	assert.Contains(t, out.String(), "What should the note say?")

	events, err := a.log.EventsForBranch(context.Background(), pipeline.DefaultBranch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	attrs, ok := events[0].Payload["attributes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "the lighthouse keeper lies", attrs["body"])
}

func TestDriveInteractive_EOFLeavesRunPaused(t *testing.T) {
	a := newTestApp(t, "")
	st := startNote(t, a)

	final, err := driveInteractive(context.Background(), a.engine, st, strings.NewReader(""), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, types.RunPausedForUser, final.State)
}

func TestReport_FailedRunIsAnError(t *testing.T) {
	a := newTestApp(t, "")
	def, err := definition.Parse([]byte(failingDefinition), definition.FormatJSON)
	require.NoError(t, err)

	ctx := context.Background()
	runID, _ := a.engine.Start(ctx, def, nil, pipeline.StartOptions{})
	require.NotEmpty(t, runID)
	st, err := a.engine.Status(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, types.RunFailed, st.State)

	var out bytes.Buffer
	err = report(ctx, a.engine, st, &out, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed at generate")
	assert.Contains(t, out.String(), "FAILED")
}

func TestCommand_Validate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "note.jsonc", noteDefinition)
	bad := writeFile(t, dir, "bad.yaml", "id: bad\nsteps:\n  - step_id: x\n    step_type: TELEPORT\n")

	out, err := execute(t, "", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+good)

	out, err = execute(t, "", "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 definitions are invalid")
	assert.Contains(t, out, "✗ "+bad)
}

func TestCommand_RunInteractive(t *testing.T) {
	path := writeFile(t, t.TempDir(), "note.jsonc", noteDefinition)

	out, err := execute(t, "{\"text\": \"hello\"}\n", "run", path, "--interactive", "--history")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "save")
}

func TestCommand_BranchCreate(t *testing.T) {
	out, err := execute(t, "", "branch", "create", "alt")
	require.NoError(t, err)
	assert.Contains(t, out, "created branch alt")
}

func TestCommand_StatusUnknownRun(t *testing.T) {
	_, err := execute(t, "", "status", "missing")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestCommand_MigrateRequiresDatabase(t *testing.T) {
	_, err := execute(t, "", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url is required")
}
