package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/httpclient"
)

// HTTPProvider calls a JSON embedding endpoint:
//
//	POST {endpoint} {"model": "...", "text": "..."} or {"model": "...", "image_url": "..."}
//
// and accepts either {"embedding": [...]} or {"data": [{"embedding": [...]}]}.
type HTTPProvider struct {
	client *httpclient.Client
	model  string
	dim    int
}

type httpEmbedRequest struct {
	Model      string `json:"model,omitempty"`
	Text       string `json:"text,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type httpEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Data      []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPProvider builds a provider over the rate-limited HTTP client.
func NewHTTPProvider(cfg Config) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, apperr.Configuration("embedding.http", fmt.Errorf("endpoint is required"))
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	client := httpclient.New(&httpclient.Config{
		BaseURL:     cfg.Endpoint,
		BearerToken: cfg.APIKey,
		Timeout:     cfg.Timeout,
		RateLimit:   cfg.RateLimit,
	})
	return &HTTPProvider{client: client, model: cfg.Model, dim: cfg.Dimension}, nil
}

func (p *HTTPProvider) Name() string   { return ProviderHTTP }
func (p *HTTPProvider) Dimension() int { return p.dim }

func (p *HTTPProvider) Embed(ctx context.Context, in Input) ([]float32, error) {
	const op = "embedding.http"
	if err := in.validate(op); err != nil {
		return nil, err
	}

	var out httpEmbedResponse
	err := p.client.PostJSON(ctx, "", httpEmbedRequest{
		Model:      p.model,
		Text:       in.Text,
		ImageURL:   in.ImageURL,
		Dimensions: p.dim,
	}, &out)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.Provider(op, httpclient.IsRetryable(err), err)
	}

	switch {
	case len(out.Embedding) > 0:
		return float64sToFloat32s(out.Embedding), nil
	case len(out.Data) > 0 && len(out.Data[0].Embedding) > 0:
		return float64sToFloat32s(out.Data[0].Embedding), nil
	}
	return nil, apperr.Provider(op, false, fmt.Errorf("response carries no embedding"))
}
