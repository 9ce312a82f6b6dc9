package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"google.golang.org/genai"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/httpclient"
	"github.com/nucleus/imageindex/internal/imagemeta"
)

const genAIDefaultModel = "gemini-embedding-001"

// GenAIProvider embeds text and images with the Gemini embedding API. Image
// bytes are fetched from the object URL and sent inline.
type GenAIProvider struct {
	client  *genai.Client
	fetcher *httpclient.Client
	model   string
	dim     int
}

// NewGenAIProvider builds the provider. cfg.Endpoint overrides the API base URL.
func NewGenAIProvider(ctx context.Context, cfg Config) (*GenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Configuration("embedding.genai", fmt.Errorf("api key is required"))
	}
	if cfg.Model == "" {
		cfg.Model = genAIDefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, apperr.Configuration("embedding.genai", fmt.Errorf("create client: %w", err))
	}
	return &GenAIProvider{
		client:  client,
		fetcher: httpclient.New(&httpclient.Config{Timeout: cfg.Timeout, RateLimit: cfg.RateLimit}),
		model:   cfg.Model,
		dim:     cfg.Dimension,
	}, nil
}

func (p *GenAIProvider) Name() string   { return ProviderGenAI }
func (p *GenAIProvider) Dimension() int { return p.dim }

func (p *GenAIProvider) Embed(ctx context.Context, in Input) ([]float32, error) {
	const op = "embedding.genai"
	if err := in.validate(op); err != nil {
		return nil, err
	}

	var part *genai.Part
	if in.IsImage() {
		data, mimeType, err := p.fetchImage(ctx, in.ImageURL)
		if err != nil {
			return nil, err
		}
		part = genai.NewPartFromBytes(data, mimeType)
	} else {
		part = genai.NewPartFromText(in.Text)
	}

	dim := int32(p.dim)
	resp, err := p.client.Models.EmbedContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser)},
		&genai.EmbedContentConfig{OutputDimensionality: &dim})
	if err != nil {
		return nil, classifyGenAIError(op, err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, apperr.Provider(op, false, fmt.Errorf("response carries no embedding"))
	}
	return resp.Embeddings[0].Values, nil
}

// fetchImage reads the image behind an object URL. file:// URLs come from
// the local object store.
func (p *GenAIProvider) fetchImage(ctx context.Context, raw string) ([]byte, string, error) {
	const op = "embedding.genai.fetch"
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", apperr.Provider(op, false, fmt.Errorf("invalid image url: %w", err))
	}
	mimeType := imagemeta.ContentType(path.Base(u.Path))

	if u.Scheme == "file" {
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, "", apperr.Provider(op, false, err)
		}
		return data, mimeType, nil
	}

	resp, err := p.fetcher.Get(ctx, raw, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", err
		}
		return nil, "", apperr.Provider(op, httpclient.IsRetryable(err), err)
	}
	if mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(resp.Body)
	}
	return resp.Body, mimeType, nil
}

func classifyGenAIError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apperr.Provider(op, retryableStatus(apiErr.Code), err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apperr.Provider(op, retryableStatus(apiErrPtr.Code), err)
	}
	msg := err.Error()
	for _, marker := range []string{"429", "RESOURCE_EXHAUSTED", "UNAVAILABLE", "INTERNAL", "503", "500"} {
		if strings.Contains(msg, marker) {
			return apperr.Provider(op, true, err)
		}
	}
	return apperr.Provider(op, false, err)
}
