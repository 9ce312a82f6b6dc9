package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nucleus/imageindex/internal/apperr"
)

const openAIDefaultModel = "text-embedding-3-small"

// OpenAIProvider embeds text through the OpenAI embeddings API or any
// OpenAI-compatible endpoint. It has no image modality.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIProvider builds the provider. cfg.Endpoint overrides the base URL.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Configuration("embedding.openai", fmt.Errorf("api key is required"))
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		// Retries are owned by the caller's policy.
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, model: cfg.Model, dim: cfg.Dimension}, nil
}

func (p *OpenAIProvider) Name() string   { return ProviderOpenAI }
func (p *OpenAIProvider) Dimension() int { return p.dim }

func (p *OpenAIProvider) Embed(ctx context.Context, in Input) ([]float32, error) {
	const op = "embedding.openai"
	if err := in.validate(op); err != nil {
		return nil, err
	}
	if in.IsImage() {
		return nil, apperr.Provider(op, false, fmt.Errorf("model %s does not embed images", p.model))
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          p.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{in.Text}},
		Dimensions:     openai.Int(int64(p.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, classifyOpenAIError(op, err)
	}
	for _, item := range resp.Data {
		if item.Index == 0 {
			return float64sToFloat32s(item.Embedding), nil
		}
	}
	return nil, apperr.Provider(op, false, fmt.Errorf("response carries no embedding"))
}

func classifyOpenAIError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apperr.Provider(op, retryableStatus(apiErr.StatusCode), err)
	}
	// Transport failures are worth another attempt.
	return apperr.Provider(op, true, err)
}
