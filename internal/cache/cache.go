package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jkatigb/storai-app/internal/generation"
)

// DefaultThreshold 余弦距离阈值，即相似度高于0.8
const DefaultThreshold = 0.2

var ErrEmptyEmbedding = errors.New("embedder returned no vector")

// Cache 相似缓存：分数为余弦距离，0为相同，score < threshold才算命中；只追加不覆盖
type Cache struct {
	embedder  embedding.Embedder
	index     Index
	threshold float64
	log       logrus.FieldLogger
	now       func() time.Time
}

func New(embedder embedding.Embedder, index Index, threshold float64, log logrus.FieldLogger) *Cache {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{embedder: embedder, index: index, threshold: threshold, log: log, now: time.Now}
}

func (c *Cache) Threshold() float64 { return c.threshold }

func (c *Cache) Len() int { return c.index.Len() }

// Hit 距离越小越相近
func Hit(score, threshold float64) bool {
	return score < threshold
}

// Lookup 在同类型、同作用域的条目中找最近的一条；未命中时也返回最近的分数
func (c *Cache) Lookup(ctx context.Context, kind generation.Kind, in generation.Input, threshold float64) (Match, bool, error) {
	vec, err := c.embed(ctx, in.CacheKey())
	if err != nil {
		return Match{}, false, err
	}
	m, found, err := c.index.Nearest(ctx, kind, generation.ScopeOf(in), vec)
	if err != nil {
		return Match{}, false, fmt.Errorf("cache nearest: %w", err)
	}
	if !found {
		return Match{}, false, nil
	}
	return m, Hit(m.Score, threshold), nil
}

// Store 追加新条目
func (c *Cache) Store(ctx context.Context, kind generation.Kind, in generation.Input, output json.RawMessage) error {
	vec, err := c.embed(ctx, in.CacheKey())
	if err != nil {
		return err
	}
	input, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal cache input: %w", err)
	}
	return c.index.Append(ctx, Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Scope:     generation.ScopeOf(in),
		Vector:    vec,
		Input:     input,
		Output:    append(json.RawMessage(nil), output...),
		CreatedAt: c.now(),
	})
}

func (c *Cache) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	out := make([]float32, len(vecs[0]))
	for i, v := range vecs[0] {
		out[i] = float32(v)
	}
	return out, nil
}
