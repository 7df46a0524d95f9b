package cache

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/jkatigb/storai-app/internal/generation"
)

// Entry 一条生成结果及其输入向量，写入后不再修改
type Entry struct {
	ID        string          `json:"id"`
	Kind      generation.Kind `json:"kind"`
	Scope     string          `json:"scope,omitempty"`
	Vector    []float32       `json:"-"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	CreatedAt time.Time       `json:"created_at"`
}

type Match struct {
	Entry Entry
	Score float64
}

// Index 只追加的最近邻索引，按类型和作用域分区
type Index interface {
	Append(ctx context.Context, e Entry) error
	Nearest(ctx context.Context, kind generation.Kind, scope string, vector []float32) (Match, bool, error)
	Len() int
	Close() error
}

type partition struct {
	kind  generation.Kind
	scope string
}

// MemoryIndex 内存索引，穷举搜索
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[partition][]Entry
	count   int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[partition][]Entry)}
}

// Append 保存归一化后的向量副本
func (m *MemoryIndex) Append(ctx context.Context, e Entry) error {
	e.Vector = normalize(e.Vector)
	key := partition{kind: e.Kind, scope: e.Scope}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append(m.entries[key], e)
	m.count++
	return nil
}

func (m *MemoryIndex) Nearest(ctx context.Context, kind generation.Kind, scope string, vector []float32) (Match, bool, error) {
	q := normalize(vector)

	m.mu.RLock()
	defer m.mu.RUnlock()

	best := Match{Score: math.Inf(1)}
	found := false
	for _, e := range m.entries[partition{kind: kind, scope: scope}] {
		if len(e.Vector) != len(q) {
			continue
		}
		d := 1 - dotProduct(q, e.Vector)
		if !found || d < best.Score {
			best = Match{Entry: e, Score: d}
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

func (m *MemoryIndex) Close() error { return nil }

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
