package embeddings

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// HashEmbedder is a deterministic bag-of-words embedder using the hashing
// trick. It needs no network and is safe for concurrent use.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a hashing embedder; dimension <= 0 uses 256.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension}
}

// EmbedText returns the L2-normalized term-frequency vector of text.
// Text without any token yields a zero vector.
func (h *HashEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tf := make(map[string]int)
	for _, token := range tokenize(text) {
		tf[token]++
	}

	vector := make([]float64, h.dimension)
	for token, freq := range tf {
		sum := xxhash.Sum64String(token)
		idx := int(sum % uint64(h.dimension))
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1.0
		}
		vector[idx] += sign * (1.0 + math.Log(float64(freq)))
	}

	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	out := make([]float32, h.dimension)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vector {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit, dropping one-character tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
