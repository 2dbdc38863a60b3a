package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/philippgille/chromem-go"
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

const (
	ChargramModel = "dotmemory-chargram-384-v1"
	HashModel     = "dotmemory-hash-256-v1"
)

// NewEmbedder returns the local embedder registered under name. Unknown names
// fall back to the character-trigram model.
func NewEmbedder(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case HashModel, "hash", "hash-256":
		return &hashEmbedder{dims: 256}
	default:
		return &chargramEmbedder{dims: 384}
	}
}

// EmbeddingFunc adapts e for chromem collections.
func EmbeddingFunc(e Embedder) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		return e.Embed(text), nil
	}
}

type hashEmbedder struct {
	dims int
}

func (e *hashEmbedder) ModelID() string { return HashModel }

func (e *hashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range Tokenize(text) {
		sum := fnvSum("tok:" + token)
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	finishVector(vec)
	return vec
}

// chargramEmbedder hashes character trigrams and whole tokens into the same
// space, so morphological variants ("prefer", "prefers") land close together.
type chargramEmbedder struct {
	dims int
}

func (e *chargramEmbedder) ModelID() string { return ChargramModel }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized != "" {
		window := "#" + normalized + "#"
		for i := 0; i+3 <= len(window); i++ {
			vec[int(fnvSum(window[i:i+3])%uint64(e.dims))] += 1
		}
		for _, token := range Tokenize(normalized) {
			vec[int(fnvSum("tok:"+token)%uint64(e.dims))] += 1.25
		}
	}
	finishVector(vec)
	return vec
}

func fnvSum(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// finishVector normalizes vec to unit length. An all-zero vector gets a single
// unit component so downstream cosine math stays defined.
func finishVector(vec []float32) {
	if len(vec) == 0 {
		return
	}
	n := vectorNorm(vec)
	if n == 0 {
		vec[0] = 1
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity assumes unit vectors.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
	}
	return dot
}
