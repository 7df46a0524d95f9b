package cache

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/jkatigb/storai-app/internal/generation"
)

// DefaultKinds 默认缓存的阶段
var DefaultKinds = []generation.Kind{
	generation.KindSynopsis,
	generation.KindOutline,
	generation.KindDevelopSection,
}

type bypassKey struct{}

// WithBypass 跳过查询但仍写入新结果，修订时使用
func WithBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

func bypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// Adapter 对指定阶段先查缓存再生成
type Adapter struct {
	next  generation.Adapter
	cache *Cache
	kinds map[generation.Kind]bool
}

// NewAdapter 未指定kinds时使用DefaultKinds
func NewAdapter(next generation.Adapter, c *Cache, kinds ...generation.Kind) *Adapter {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	set := make(map[generation.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &Adapter{next: next, cache: c, kinds: set}
}

func (a *Adapter) Generate(ctx context.Context, kind generation.Kind, in generation.Input) (json.RawMessage, error) {
	if !a.kinds[kind] {
		return a.next.Generate(ctx, kind, in)
	}
	log := a.cache.log.WithField("kind", kind)

	if !bypassed(ctx) {
		m, hit, err := a.cache.Lookup(ctx, kind, in, a.cache.threshold)
		switch {
		case err != nil:
			log.WithError(err).Warn("cache lookup failed, generating")
		case hit:
			log.WithFields(logrus.Fields{"entry": m.Entry.ID, "score": m.Score}).Info("cache hit")
			return m.Entry.Output, nil
		default:
			log.Debug("cache miss")
		}
	}

	out, err := a.next.Generate(ctx, kind, in)
	if err != nil {
		return nil, err
	}
	if err := a.cache.Store(ctx, kind, in, out); err != nil {
		log.WithError(err).Warn("cache store failed")
	}
	return out, nil
}

var _ generation.Adapter = (*Adapter)(nil)
