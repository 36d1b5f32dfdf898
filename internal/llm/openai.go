package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/internal/analysis"
	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = openai.GPT4oMini

// DefaultTimeout bounds one classification call when none is configured.
const DefaultTimeout = 30 * time.Second

// OpenAIClassifier implements analysis.Classifier on the chat completions API.
type OpenAIClassifier struct {
	client *openai.Client
	model  string
}

// NewOpenAIClassifier constructs a classifier from config. Timeout bounds
// each attempt separately.
func NewOpenAIClassifier(cfg config.OpenAIConfig) (*OpenAIClassifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(baseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &OpenAIClassifier{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}, nil
}

// Classify sends one chat completion requesting a JSON object.
func (c *OpenAIClassifier) Classify(ctx context.Context, req analysis.ClassifyRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.Instructions},
			{Role: openai.ChatMessageRoleUser, Content: req.Content},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", translateError(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// translateError marks HTTP 429 responses as rate limits.
func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &analysis.RateLimitError{Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &analysis.RateLimitError{Err: err}
	}
	return err
}
