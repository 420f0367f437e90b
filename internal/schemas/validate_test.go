package schemas

import (
	"testing"

	rootschemas "github.com/jonathan/storyforge/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Definition(t *testing.T) {
	doc := `{
		"id": "scene-draft",
		"name": "Scene draft",
		"steps": [
			{"step_id": "pause", "step_type": "USER_INTERCEPT", "config": {}}
		]
	}`

	assert.NoError(t, Validate(rootschemas.Definition, []byte(doc)))
}

func TestValidate_Definition_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing steps", `{"id": "x"}`, "(root)"},
		{"empty steps", `{"id": "x", "steps": []}`, "steps"},
		{"unknown step type", `{"id": "x", "steps": [{"step_id": "a", "step_type": "TELEPORT"}]}`, "steps.0.step_type"},
		{"bad id", `{"id": "has space", "steps": [{"step_id": "a", "step_type": "LOOP"}]}`, "id"},
		{"unknown top-level field", `{"id": "x", "extra": 1, "steps": [{"step_id": "a", "step_type": "LOOP"}]}`, "(root)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(rootschemas.Definition, []byte(tt.doc))
			require.Error(t, err)

			validationErr, ok := err.(*ValidationError)
			require.True(t, ok, "error should be ValidationError type")
			require.NotEmpty(t, validationErr.Errors)
			assert.Equal(t, tt.field, validationErr.Errors[0].Field)
			assert.Equal(t, rootschemas.Definition, validationErr.Schema)
			assert.Len(t, validationErr.Issues(), len(validationErr.Errors))
		})
	}
}

func TestValidate_Requests(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		doc    string
		valid  bool
	}{
		{"start by id", rootschemas.StartRequest, `{"definition_id": "draft", "payload": {"topic": "x"}}`, true},
		{"start inline", rootschemas.StartRequest, `{"definition": {"id": "d"}, "async": true}`, true},
		{"start without definition", rootschemas.StartRequest, `{"payload": {}}`, false},
		{"start payload not object", rootschemas.StartRequest, `{"definition_id": "d", "payload": []}`, false},
		{"branch fork", rootschemas.BranchCreate, `{"name": "alt", "source": "main"}`, true},
		{"branch without name", rootschemas.BranchCreate, `{"source": "main"}`, false},
		{"branch empty name", rootschemas.BranchCreate, `{"name": ""}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.schema, []byte(tt.doc))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("nope.schema.json", []byte(`{}`))
	require.Error(t, err)

	_, ok := err.(*SchemaLoadError)
	assert.True(t, ok, "error should be SchemaLoadError type")
}

func TestValidate_MalformedDocument(t *testing.T) {
	err := Validate(rootschemas.StartRequest, []byte(`{"definition_id": `))
	require.Error(t, err)
	_, ok := err.(*ValidationError)
	assert.False(t, ok)
}

func TestValidateJSONString(t *testing.T) {
	schema := `{"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}`

	assert.NoError(t, ValidateJSONString(schema, `{"name": "Mira"}`))

	err := ValidateJSONString(schema, `{"name": 3}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Schema: "x.schema.json",
		Errors: []FieldError{{Field: "a", Message: "is required"}},
	}
	assert.Contains(t, err.Error(), "against x.schema.json")
	assert.Contains(t, err.Error(), "1. a: is required")
}
