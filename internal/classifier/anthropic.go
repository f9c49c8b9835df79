package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jo-hoe/carsort/internal/taxonomy"
)

const defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"

// AnthropicClient classifies images through the Anthropic messages API.
// A single attempt is made per image; no retry policy.
type AnthropicClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if model == "" {
		model = "claude-3-haiku-20240307"
	}

	return &AnthropicClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: defaultAnthropicEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Classify posts the normalized JPEG and parses the structured JSON reply.
// Transport and HTTP-level problems surface as errors; an unparseable reply
// body degrades to the sentinel while keeping the observed token cost, since
// the call itself was paid for.
func (c *AnthropicClient) Classify(ctx context.Context, imageData []byte) (Result, error) {
	requestBody := map[string]any{
		"model":       c.model,
		"max_tokens":  1024,
		"temperature": 0,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": "image/jpeg",
							"data":       base64.StdEncoding.EncodeToString(imageData),
						},
					},
					{
						"type": "text",
						"text": classificationPrompt(),
					},
				},
			},
		},
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(jsonBody)))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, string(body))
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(response.Content) == 0 {
		return Result{}, fmt.Errorf("no content in response")
	}

	return parseClassification(response.Content[0].Text, response.Usage.OutputTokens), nil
}

// parseClassification extracts the category pair from the model reply.
func parseClassification(content string, tokenCost int) Result {
	var reply struct {
		MainCategory string  `json:"main_category"`
		Subcategory  string  `json:"subcategory"`
		Confidence   float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return Sentinel(tokenCost)
	}
	return Result{
		Category:    reply.MainCategory,
		Subcategory: reply.Subcategory,
		Confidence:  reply.Confidence,
		TokenCost:   tokenCost,
	}
}

// classificationPrompt lists the taxonomy and the exact reply format.
func classificationPrompt() string {
	var b strings.Builder
	b.WriteString("Please analyze this car image and classify it according to these categories and subcategories:\n\n")
	b.WriteString("Main Categories:\n")
	for _, category := range taxonomy.MainCategories() {
		fmt.Fprintf(&b, "- %s\n", category)
	}
	b.WriteString("\nSubcategories for each main category:\n")
	for _, category := range taxonomy.MainCategories() {
		fmt.Fprintf(&b, "%s:\n", category)
		for _, sub := range taxonomy.Subcategories(category) {
			fmt.Fprintf(&b, "  - %s\n", sub)
		}
	}
	b.WriteString(`
Please respond with ONLY a JSON object in this exact format:
{
    "main_category": "category_name",
    "subcategory": "subcategory_name",
    "confidence": confidence_score
}

Where confidence_score is a number between 0 and 1. If you're not confident about the classification, use:
{
    "main_category": "Uncategorized",
    "subcategory": "Uncategorized",
    "confidence": confidence_score
}`)
	return b.String()
}
