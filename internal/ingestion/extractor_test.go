package ingestion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtraction(t *testing.T) {
	t.Parallel()

	raw := `{
		"concepts": [
			{"name": "Machine Learning", "description": "learning from data", "confidence": 0.9, "category": "technology", "aliases": ["ML"]},
			{"name": "", "description": "nameless", "confidence": 0.5},
			{"name": "Statistics", "description": "math of data", "confidence": 0.8}
		],
		"relationships": [
			{"source": "Machine Learning", "target": "Statistics", "type": "builds-on", "strength": 0.75, "context": "ml builds on stats"},
			{"source": "Machine Learning", "target": "", "type": "uses", "strength": 0.5, "context": ""}
		]
	}`

	extraction, err := ParseExtraction(raw)
	require.NoError(t, err)

	// The nameless concept and the endpoint-less relationship are dropped.
	require.Len(t, extraction.Concepts, 2)
	assert.Equal(t, "Machine Learning", extraction.Concepts[0].Name)
	assert.Equal(t, []string{"ML"}, extraction.Concepts[0].Aliases)
	assert.Equal(t, "Statistics", extraction.Concepts[1].Name)

	require.Len(t, extraction.Relationships, 1)
	assert.Equal(t, "builds-on", extraction.Relationships[0].Type)
	assert.Equal(t, 0.75, extraction.Relationships[0].Strength)
}

func TestParseExtractionCodeFence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"JSONFence", "```json\n{\"concepts\": [{\"name\": \"A\"}], \"relationships\": []}\n```"},
		{"BareFence", "```\n{\"concepts\": [{\"name\": \"A\"}], \"relationships\": []}\n```"},
		{"NoFence", `{"concepts": [{"name": "A"}], "relationships": []}`},
		{"Padded", "  \n{\"concepts\": [{\"name\": \"A\"}], \"relationships\": []}\n  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			extraction, err := ParseExtraction(tt.raw)
			require.NoError(t, err)
			require.Len(t, extraction.Concepts, 1)
			assert.Equal(t, "A", extraction.Concepts[0].Name)
		})
	}
}

func TestParseExtractionInvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseExtraction("this is not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestParseExtractionEmpty(t *testing.T) {
	t.Parallel()

	extraction, err := ParseExtraction(`{"concepts": [], "relationships": []}`)
	require.NoError(t, err)
	assert.Empty(t, extraction.Concepts)
	assert.Empty(t, extraction.Relationships)
}

func TestBuildExtractionPromptTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", maxContentLength+500)
	prompt := buildExtractionPrompt("Big Document", long)

	assert.Contains(t, prompt, truncationMarker)
	assert.Contains(t, prompt, `"Big Document"`)
	// Only the capped prefix of the content makes it into the prompt.
	assert.NotContains(t, prompt, strings.Repeat("a", maxContentLength+1))
}

func TestBuildExtractionPromptShortContent(t *testing.T) {
	t.Parallel()

	prompt := buildExtractionPrompt("Notes", "entropy is a measure of disorder")
	assert.Contains(t, prompt, "entropy is a measure of disorder")
	assert.NotContains(t, prompt, truncationMarker)
}

func TestNewOpenAIExtractorRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAIExtractor("", "")
	assert.Error(t, err)

	e, err := NewOpenAIExtractor("test-key", "")
	require.NoError(t, err)
	assert.NotNil(t, e)
}
