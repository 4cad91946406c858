// Package embedding provides GLADyS's embedder interface and a deterministic
// local implementation. A production embedding model is out of scope here;
// this package still needs a real, working embedder so the Memory Store and
// Salience Gateway can be exercised end-to-end without an external model
// server, and so the "deterministic per (model_id, text)" contract has a
// concrete realization.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/prose/v3"

	"github.com/gladys-project/gladys/pkg/storage"
)

// ModelID identifies the embedding scheme, propagated into
// SalienceResult.ModelID / episodic_events for provenance.
const ModelID = "gladys-local-hash-v1"

// cache is a fixed-size FIFO embedding cache, grounded on the reference
// embedding client's cache shape, keyed on a sha256 of the input text.
type cache struct {
	mu      sync.Mutex
	items   map[string][]float64
	order   []string
	maxSize int
}

func newCache(maxSize int) *cache {
	return &cache{
		items:   make(map[string][]float64, maxSize),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

func (c *cache) get(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *cache) set(key string, emb []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		if len(c.order) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, key)
	}
	c.items[key] = emb
}

// Client is a local, deterministic embedder: it tokenizes text with
// tsawler/prose and hashes overlapping token shingles into a fixed-dimension
// bag-of-features vector, normalized to unit length so cosine similarity
// behaves sensibly. It needs no network call and is fully reproducible,
// which keeps GenerateEmbedding's "deterministic per (model_id, text)"
// contract trivially true.
type Client struct {
	dim   int
	cache *cache
}

var _ storage.Embedder = (*Client)(nil)

// NewClient creates a local embedder producing vectors of the given
// dimension (default 384).
func NewClient(dim int) *Client {
	if dim <= 0 {
		dim = 384
	}
	return &Client{dim: dim, cache: newCache(512)}
}

func (c *Client) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}

// Embed returns a fixed-dimension vector for text, deterministic per
// (ModelID, text). Cache hits avoid re-tokenizing identical text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	key := c.cacheKey(text)
	if v, ok := c.cache.get(key); ok {
		return v, ModelID, nil
	}

	tokens, err := tokenize(text)
	if err != nil {
		return nil, "", fmt.Errorf("tokenize for embedding: %w", err)
	}

	vec := make([]float64, c.dim)
	for _, tok := range tokens {
		idx, sign := featureHash(tok, c.dim)
		vec[idx] += sign
	}
	normalize(vec)

	c.cache.set(key, vec)
	return vec, ModelID, nil
}

func tokenize(text string) ([]string, error) {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, err
	}
	var tokens []string
	for _, tok := range doc.Tokens() {
		tokens = append(tokens, tok.Text)
	}
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	return tokens, nil
}

// featureHash maps a token to a vector index and sign via the hashing-trick,
// spreading collisions' bias across positive and negative contributions.
func featureHash(token string, dim int) (int, float64) {
	sum := sha256.Sum256([]byte(token))
	idx := int(binary.BigEndian.Uint32(sum[:4])) % dim
	if idx < 0 {
		idx += dim
	}
	sign := 1.0
	if sum[4]&1 == 1 {
		sign = -1.0
	}
	return idx, sign
}

func normalize(v []float64) {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range v {
		v[i] /= norm
	}
}
