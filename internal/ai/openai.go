package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client over the OpenAI chat-completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	return &OpenAIClient{client: openai.NewClient(apiKey), model: model}, nil
}

func (o *OpenAIClient) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	system := opts.System
	if system == "" {
		system = "You are a careful analyst of argumentative writing."
	}
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type classifyResponse struct {
	Relation   string  `json:"relation"`
	Confidence float64 `json:"confidence"`
}

func (o *OpenAIClient) ClassifyClaims(ctx context.Context, a, b string) (Classification, error) {
	prompt := classifyPrompt(a, b)
	text, err := o.Complete(ctx, prompt, CompleteOptions{
		System:      "You classify the logical relationship between two claims. Answer with JSON only.",
		MaxTokens:   120,
		Temperature: 0,
	})
	if err != nil {
		return Classification{}, err
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		slog.Warn("unparseable classification response, treating as unrelated", "error", err)
		return Classification{Relation: RelationUnrelated}, nil
	}
	relation := Relation(strings.ToLower(strings.TrimSpace(parsed.Relation)))
	switch relation {
	case RelationEquivalent, RelationContradicts, RelationUnrelated:
	default:
		slog.Warn("unknown relation from model, treating as unrelated", "relation", parsed.Relation)
		relation = RelationUnrelated
	}
	confidence := parsed.Confidence
	if confidence < 0 || confidence > 1 {
		confidence = 0
	}
	return Classification{Relation: relation, Confidence: confidence}, nil
}

// extractJSON pulls the first JSON object out of a response that may be
// wrapped in markdown fences or prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}
