package translate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// LambdaRequest is the payload sent to the translator function.
type LambdaRequest struct {
	Chunks     [][]string `json:"chunks"`
	SourceLang string     `json:"source_lang"`
	TargetLang string     `json:"target_lang"`
}

// LambdaResponse mirrors LambdaRequest.Chunks.
type LambdaResponse struct {
	Translations [][]string `json:"translations"`
	Error        string     `json:"error,omitempty"`
}

type invoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

type lambdaBackend struct {
	client         invoker
	functionName   string
	maxChunkTokens int
}

// NewLambdaBackend invokes an AWS Lambda translator with credentials from
// the default AWS chain.
func NewLambdaBackend(ctx context.Context, functionName, region string, maxChunkTokens int) (Backend, error) {
	if functionName == "" {
		return nil, fmt.Errorf("translation function name is empty")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newLambdaBackend(lambda.NewFromConfig(cfg), functionName, maxChunkTokens), nil
}

func newLambdaBackend(client invoker, functionName string, maxChunkTokens int) *lambdaBackend {
	return &lambdaBackend{client: client, functionName: functionName, maxChunkTokens: maxChunkTokens}
}

func (b *lambdaBackend) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}
	chunks := ChunkByTokens(texts, b.maxChunkTokens)
	payload, err := json.Marshal(LambdaRequest{Chunks: chunks, SourceLang: source, TargetLang: target})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := b.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(b.functionName),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke %s: %w", b.functionName, err)
	}
	if result.FunctionError != nil {
		return nil, fmt.Errorf("lambda error: %s", *result.FunctionError)
	}

	var resp LambdaResponse
	if err := json.Unmarshal(result.Payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("translator error: %s", resp.Error)
	}
	if len(resp.Translations) != len(chunks) {
		return nil, fmt.Errorf("translator returned %d chunks, sent %d", len(resp.Translations), len(chunks))
	}

	out := make([]string, 0, len(texts))
	for i, chunk := range resp.Translations {
		if len(chunk) != len(chunks[i]) {
			return nil, fmt.Errorf("chunk %d: translator returned %d texts, sent %d", i, len(chunk), len(chunks[i]))
		}
		out = append(out, chunk...)
	}
	return out, nil
}
