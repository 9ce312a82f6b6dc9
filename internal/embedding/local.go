package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"net/url"
	"path"
	"strings"
	"unicode"
)

// LocalProvider produces deterministic hashed embeddings without external
// services. Images are embedded from the words in their file name, so text
// queries land near images whose names share words.
type LocalProvider struct {
	dim int
}

// NewLocalProvider returns a hashed-bag-of-words provider.
func NewLocalProvider(dim int) *LocalProvider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &LocalProvider{dim: dim}
}

func (p *LocalProvider) Name() string   { return ProviderLocal }
func (p *LocalProvider) Dimension() int { return p.dim }

func (p *LocalProvider) Embed(ctx context.Context, in Input) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.validate("embedding.local"); err != nil {
		return nil, err
	}
	text := in.Text
	if in.IsImage() {
		text = imageWords(in.ImageURL)
	}
	return p.embedOne(text), nil
}

// imageWords strips query, directories, and extension from an image URL
// so presigned URLs for the same object embed identically.
func imageWords(raw string) string {
	name := raw
	if u, err := url.Parse(raw); err == nil {
		name = u.Path
	}
	name = path.Base(name)
	name = strings.TrimSuffix(name, path.Ext(name))
	return name
}

func (p *LocalProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(p.dim)] += 1.0
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= n
		}
	}
	return vec
}
