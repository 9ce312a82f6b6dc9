// Package embedding turns text or image URLs into fixed-length vectors via an
// external model provider.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nucleus/imageindex/internal/apperr"
)

// Provider names.
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
	ProviderGenAI  = "genai"
	ProviderLocal  = "local"
)

// DefaultDimension is the vector length when none is configured.
const DefaultDimension = 768

// Input is either free text or the URL of image bytes.
type Input struct {
	Text     string
	ImageURL string
}

// IsImage reports whether the input carries an image URL.
func (in Input) IsImage() bool { return in.ImageURL != "" }

func (in Input) validate(op string) error {
	switch {
	case in.Text == "" && in.ImageURL == "":
		return apperr.Provider(op, false, fmt.Errorf("input must carry text or an image url"))
	case in.Text != "" && in.ImageURL != "":
		return apperr.Provider(op, false, fmt.Errorf("input must carry text or an image url, not both"))
	}
	return nil
}

// Provider embeds a single input. Errors carry apperr.KindProvider and are
// marked retryable for rate limits and server-side failures.
type Provider interface {
	Embed(ctx context.Context, in Input) ([]float32, error)
	Dimension() int
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	Endpoint  string
	APIKey    string
	Dimension int
	RateLimit float64
	Timeout   time.Duration
}

// New builds the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderHTTP, "":
		return NewHTTPProvider(cfg)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case ProviderGenAI, "gemini":
		return NewGenAIProvider(ctx, cfg)
	case ProviderLocal:
		return NewLocalProvider(cfg.Dimension), nil
	default:
		return nil, apperr.Configuration("embedding.new", fmt.Errorf("unknown embedding provider %q", cfg.Provider))
	}
}

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	return apperr.Is(err, apperr.KindProvider) && apperr.IsRetryable(err)
}

func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}

func float64sToFloat32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
