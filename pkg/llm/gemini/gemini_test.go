package gemini

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaFromMap(t *testing.T) {
	schema := schemaFromMap(map[string]any{
		"type":        "object",
		"description": "tool params",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string", "description": "a name"},
			"count": map[string]any{"type": "integer"},
			"ratio": map[string]any{"type": "number"},
			"flag":  map[string]any{"type": "boolean"},
			"items": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"scope": map[string]any{"type": "string", "enum": []any{"shared", "private"}},
		},
		"required": []any{"name"},
	})

	require.NotNil(t, schema)
	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, "tool params", schema.Description)
	assert.Equal(t, []string{"name"}, schema.Required)

	props := schema.Properties
	require.Len(t, props, 6)
	assert.Equal(t, genai.TypeString, props["name"].Type)
	assert.Equal(t, "a name", props["name"].Description)
	assert.Equal(t, genai.TypeInteger, props["count"].Type)
	assert.Equal(t, genai.TypeNumber, props["ratio"].Type)
	assert.Equal(t, genai.TypeBoolean, props["flag"].Type)
	assert.Equal(t, genai.TypeArray, props["items"].Type)
	require.NotNil(t, props["items"].Items)
	assert.Equal(t, genai.TypeString, props["items"].Items.Type)
	assert.Equal(t, []string{"shared", "private"}, props["scope"].Enum)
}

func TestSchemaFromMapEmpty(t *testing.T) {
	schema := schemaFromMap(nil)
	require.NotNil(t, schema)
	assert.Equal(t, genai.TypeObject, schema.Type)
}
