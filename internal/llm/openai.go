package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openaiGenerator speaks the chat-completions protocol. With the default
// endpoint it targets Gemini's OpenAI-compatible API.
type openaiGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAIGenerator(endpoint, apiKey, model string, httpClient *http.Client, extra ...option.RequestOption) (Generator, error) {
	if apiKey == "" {
		return nil, errors.New("openai generator requires an api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	opts = append(opts, extra...)
	return &openaiGenerator{client: openai.NewClient(opts...), model: model}, nil
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	var reqOpts []option.RequestOption
	if req.TopK > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("top_k", req.TopK))
	}

	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("chat completion returned no choices")
	}

	return consumer(Chunk{
		TurnID:           req.TurnID,
		Content:          resp.Choices[0].Message.Content,
		Partial:          false,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Latency:          time.Since(start),
	})
}
