package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultModel        = "gemini-2.5-flash"
	DefaultSnippetLimit = 300
	MaxTopK             = 5
)

// SearchResult is one normalized web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// SearchPayload is the full persisted search output: results plus
// grounding citations.
type SearchPayload struct {
	Results   []SearchResult `json:"results"`
	Citations []Citation     `json:"citations"`
	Notes     SearchNotes    `json:"notes"`
}

type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type SearchNotes struct {
	Grounded bool `json:"grounded"`
}

// Searcher is the web search capability consumed by the daily routine.
type Searcher interface {
	Search(ctx context.Context, query string, k int) (SearchPayload, error)
}

// SearchClient runs grounded web searches through the Gemini API and
// normalizes the structured output.
type SearchClient struct {
	client       *genai.Client
	model        string
	snippetLimit int
}

func NewSearchClient(ctx context.Context, apiKey, model string, snippetLimit int) (*SearchClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if snippetLimit <= 0 {
		snippetLimit = DefaultSnippetLimit
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &SearchClient{client: client, model: model, snippetLimit: snippetLimit}, nil
}

func searchSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"results": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"title":   {Type: genai.TypeString},
						"snippet": {Type: genai.TypeString},
						"url":     {Type: genai.TypeString},
					},
					Required: []string{"title", "snippet", "url"},
				},
			},
			"citations": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"url":   {Type: genai.TypeString},
						"title": {Type: genai.TypeString},
					},
					Required: []string{"url", "title"},
				},
			},
			"notes": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"grounded": {Type: genai.TypeBoolean},
				},
				Required: []string{"grounded"},
			},
		},
		Required: []string{"results", "notes"},
	}
}

func (c *SearchClient) Search(ctx context.Context, query string, k int) (SearchPayload, error) {
	topK := k
	if topK < 1 {
		topK = 1
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   searchSchema(),
		Tools:            []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{
			Text: fmt.Sprintf(
				"Use Google Search grounding. Return only valid JSON matching schema. Limit results to %d items.",
				topK),
		}}},
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text("Find web results for: "+query), cfg)
	if err != nil {
		return SearchPayload{}, fmt.Errorf("gemini search failed: %w", err)
	}

	raw, err := responseJSON(resp)
	if err != nil {
		return SearchPayload{}, err
	}

	var parsed SearchPayload
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SearchPayload{}, fmt.Errorf("gemini JSON response was invalid: %w", err)
	}
	return c.normalize(parsed, topK), nil
}

func (c *SearchClient) normalize(payload SearchPayload, topK int) SearchPayload {
	out := SearchPayload{Notes: payload.Notes}
	for _, item := range payload.Results {
		if len(out.Results) >= topK {
			break
		}
		url := strings.TrimSpace(item.URL)
		if url == "" {
			continue
		}
		snippet := strings.TrimSpace(item.Snippet)
		if len(snippet) > c.snippetLimit {
			snippet = snippet[:c.snippetLimit]
		}
		out.Results = append(out.Results, SearchResult{
			Title:   strings.TrimSpace(item.Title),
			Snippet: snippet,
			URL:     url,
		})
	}
	for _, item := range payload.Citations {
		url := strings.TrimSpace(item.URL)
		if url == "" {
			continue
		}
		out.Citations = append(out.Citations, Citation{URL: url, Title: strings.TrimSpace(item.Title)})
	}
	return out
}

func responseJSON(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini response did not include candidates")
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return nil, fmt.Errorf("gemini response did not include JSON text")
	}
	for _, part := range content.Parts {
		if part != nil && strings.TrimSpace(part.Text) != "" {
			return []byte(part.Text), nil
		}
	}
	return nil, fmt.Errorf("gemini response did not include JSON text")
}
