// Package ingestion provides the document ingestion pipeline for Cortex.
//
// Documents move through uploading -> processing -> completed/failed. The
// pipeline extracts concepts and relationships from document text via an
// Extractor, persists them, and triggers a scoped deduplication pass.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// maxContentLength is the cap on document text sent for extraction. Longer
// documents are truncated with a marker.
const maxContentLength = 8000

// truncationMarker is appended to truncated document text.
const truncationMarker = "\n\n[Content truncated for processing]"

const (
	maxExtractRetries = 3
	retryBaseDelay    = time.Second
)

// ExtractedConcept is one concept returned by the extractor.
type ExtractedConcept struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Category    string   `json:"category,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// ExtractedRelationship is one relationship returned by the extractor.
// Source and Target reference concepts by name within the same extraction.
type ExtractedRelationship struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
	Context  string  `json:"context"`
}

// Extraction is the full result of analyzing one document.
type Extraction struct {
	Concepts      []ExtractedConcept      `json:"concepts"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Extractor turns document text into concepts and relationships.
type Extractor interface {
	Extract(ctx context.Context, title, content string) (*Extraction, error)
}

// OpenAIExtractor extracts concepts through the OpenAI chat completions API.
type OpenAIExtractor struct {
	client *openai.Client
	model  string
}

// NewOpenAIExtractor creates an extractor with the given API key. Model
// defaults to gpt-4o-mini when empty.
func NewOpenAIExtractor(apiKey, model string) (*OpenAIExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIExtractor{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Extract sends the document to the model and parses the JSON response.
// Transient failures are retried with exponential backoff.
func (e *OpenAIExtractor) Extract(ctx context.Context, title, content string) (*Extraction, error) {
	prompt := buildExtractionPrompt(title, content)

	var lastErr error
	for attempt := 1; attempt <= maxExtractRetries; attempt++ {
		if attempt > 1 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: e.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: "You extract structured knowledge from documents. Respond with valid JSON only.",
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			Temperature: 0.3,
		})
		if err != nil {
			lastErr = fmt.Errorf("chat completion: %w", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("empty response from model")
			continue
		}

		extraction, err := ParseExtraction(resp.Choices[0].Message.Content)
		if err != nil {
			lastErr = err
			continue
		}
		return extraction, nil
	}

	return nil, fmt.Errorf("extraction failed after %d attempts: %w", maxExtractRetries, lastErr)
}

// buildExtractionPrompt assembles the extraction prompt, truncating oversized
// document text.
func buildExtractionPrompt(title, content string) string {
	if len(content) > maxContentLength {
		content = content[:maxContentLength] + truncationMarker
	}

	return fmt.Sprintf(`Extract key concepts and relationships from this document titled %q.

Document content:
%s

Analyze the text and return a JSON response with the following structure:
{
  "concepts": [
    {
      "name": "concept name",
      "description": "clear description of the concept",
      "confidence": 0.85,
      "category": "optional category like 'person', 'technology', 'concept'",
      "aliases": ["alternative names or synonyms"]
    }
  ],
  "relationships": [
    {
      "source": "source concept name",
      "target": "target concept name",
      "type": "relationship type like 'causes', 'relates to', 'depends on'",
      "strength": 0.75,
      "context": "brief context explaining the relationship"
    }
  ]
}

Focus on:
- Important entities, people, places, technologies, concepts
- Clear relationships between concepts
- High confidence scores (0.7+) for well-supported concepts
- Meaningful relationship types that capture the nature of connections
- Concise but informative descriptions

Return only valid JSON, no additional text.`, title, content)
}

// ParseExtraction parses and validates a model response. Markdown code
// fences around the JSON are tolerated; concepts without a name and
// relationships without both endpoints are dropped.
func ParseExtraction(raw string) (*Extraction, error) {
	raw = stripCodeFence(raw)

	var extraction Extraction
	if err := json.Unmarshal([]byte(raw), &extraction); err != nil {
		return nil, fmt.Errorf("invalid JSON in model response: %w", err)
	}

	concepts := extraction.Concepts[:0]
	for _, c := range extraction.Concepts {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		concepts = append(concepts, c)
	}
	extraction.Concepts = concepts

	rels := extraction.Relationships[:0]
	for _, r := range extraction.Relationships {
		if r.Source == "" || r.Target == "" {
			continue
		}
		rels = append(rels, r)
	}
	extraction.Relationships = rels

	return &extraction, nil
}

// stripCodeFence removes a surrounding markdown code fence, if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
