package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync/atomic"
)

// FakeEmbedder produces deterministic unit vectors derived from the text
// content, so identical texts always embed identically and similar-text
// assertions stay stable across runs. It counts calls, which lets cache
// tests assert that no external request was made.
type FakeEmbedder struct {
	// Dim is the vector dimension; defaults to 768 when zero.
	Dim int
	// Err, when set, is returned from every call.
	Err error

	calls atomic.Int64
	texts atomic.Int64
}

// Embed returns one deterministic vector per input text.
func (f *FakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	f.texts.Add(int64(len(texts)))

	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.vector(text)
	}
	return out, nil
}

// Calls returns how many Embed invocations happened.
func (f *FakeEmbedder) Calls() int {
	return int(f.calls.Load())
}

// TextsEmbedded returns the total number of texts passed to Embed.
func (f *FakeEmbedder) TextsEmbedded() int {
	return int(f.texts.Load())
}

// vector expands the text's SHA-256 digest into a normalized vector.
func (f *FakeEmbedder) vector(text string) []float32 {
	dim := f.Dim
	if dim == 0 {
		dim = 768
	}

	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		// Cycle through the digest in 4-byte windows.
		off := (i * 4) % (len(digest) - 4)
		u := binary.BigEndian.Uint32(digest[off : off+4])
		v := float64(u^uint32(i*2654435761)) / float64(math.MaxUint32)
		vec[i] = float32(v - 0.5)
		norm += float64(vec[i]) * float64(vec[i])
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
