package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const summaryMaxInputChars = 12000

// Summary is the validated summarizer output persisted onto FetchLogs.
type Summary struct {
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"key_points"`
	Confidence string   `json:"confidence"`
	SafeToUse  bool     `json:"safe_to_use"`
}

// Summarizer condenses fetched page text for the planner.
type Summarizer interface {
	Summarize(ctx context.Context, extractedText string) (Summary, error)
}

type SummarizeClient struct {
	client *genai.Client
	model  string
}

func NewSummarizeClient(ctx context.Context, apiKey, model string) (*SummarizeClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &SummarizeClient{client: client, model: model}, nil
}

func summarySchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"summary":    {Type: genai.TypeString},
			"key_points": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"confidence": {Type: genai.TypeString, Enum: []string{"low", "med", "high"}},
			"safe_to_use": {Type: genai.TypeBoolean},
		},
		Required: []string{"summary", "key_points", "confidence", "safe_to_use"},
	}
}

func (c *SummarizeClient) Summarize(ctx context.Context, extractedText string) (Summary, error) {
	trimmed := extractedText
	if len(trimmed) > summaryMaxInputChars {
		trimmed = trimmed[:summaryMaxInputChars]
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   summarySchema(),
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{
			Text: "Return only JSON. summary should be around 200-400 Japanese characters. key_points max 5.",
		}}},
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text("Summarize this web content in Japanese for internal analytics.\nContent:\n"+trimmed), cfg)
	if err != nil {
		return Summary{}, fmt.Errorf("gemini summarize failed: %w", err)
	}

	raw, err := responseJSON(resp)
	if err != nil {
		return Summary{}, err
	}

	var parsed Summary
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Summary{}, fmt.Errorf("gemini JSON response was invalid: %w", err)
	}
	return validateSummary(parsed)
}

func validateSummary(parsed Summary) (Summary, error) {
	out := Summary{
		Summary:   strings.TrimSpace(parsed.Summary),
		SafeToUse: parsed.SafeToUse,
	}
	if out.Summary == "" {
		return Summary{}, fmt.Errorf("summary is required")
	}

	for _, point := range parsed.KeyPoints {
		trimmed := strings.TrimSpace(point)
		if trimmed == "" {
			continue
		}
		out.KeyPoints = append(out.KeyPoints, trimmed)
		if len(out.KeyPoints) == 5 {
			break
		}
	}

	switch parsed.Confidence {
	case "low", "med", "high":
		out.Confidence = parsed.Confidence
	default:
		out.Confidence = "low"
	}
	return out, nil
}
