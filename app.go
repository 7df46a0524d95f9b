package main

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/sirupsen/logrus"

	"github.com/jkatigb/storai-app/internal/cache"
	"github.com/jkatigb/storai-app/internal/config"
	"github.com/jkatigb/storai-app/internal/dispatch"
	"github.com/jkatigb/storai-app/internal/generation"
	"github.com/jkatigb/storai-app/internal/story"
	"github.com/jkatigb/storai-app/internal/tools"
	"github.com/jkatigb/storai-app/internal/volc"
	"github.com/jkatigb/storai-app/internal/workflow"
)

// app 组装后的服务组件
type app struct {
	cache      *cache.Cache
	index      cache.Index
	sessions   *workflow.MemoryStore
	machine    *workflow.Machine
	pool       *dispatch.Pool
	dispatcher *dispatch.Dispatcher
}

func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	adapter, err := newAdapter(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var index cache.Index = cache.NewMemoryIndex()
	if cfg.CacheDB != "" {
		sqliteIndex, err := cache.OpenSQLiteIndex(cfg.CacheDB)
		if err != nil {
			return nil, err
		}
		index = sqliteIndex
		log.WithFields(logrus.Fields{"path": cfg.CacheDB, "entries": index.Len()}).Info("cache index loaded")
	}
	c := cache.New(cache.NewHashEmbedder(cfg.EmbeddingDims), index, cfg.CacheThreshold, log.WithField("component", "cache"))

	stages := story.NewStages(cache.NewAdapter(adapter, c), cfg.GenerationTimeout, log.WithField("component", "stages"))

	sessions := workflow.NewMemoryStore(cfg.SessionTTL)
	machine := workflow.New(stages, sessions, workflow.Options{
		AutoAdvance:        cfg.AutoAdvance,
		Illustrate:         cfg.IllustrateSections,
		ReviseWithFeedback: cfg.ReviseWithFeedback,
		Log:                log.WithField("component", "workflow"),
	})

	pool := dispatch.NewPool(dispatch.PoolOptions{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.TaskTimeout,
		Log:       log.WithField("component", "pool"),
	})
	dispatcher, err := dispatch.New(pool, dispatch.NewOperations(stages), log.WithField("component", "dispatch"))
	if err != nil {
		pool.Close()
		index.Close()
		return nil, err
	}

	return &app{
		cache:      c,
		index:      index,
		sessions:   sessions,
		machine:    machine,
		pool:       pool,
		dispatcher: dispatcher,
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
	a.index.Close()
}

// newAdapter mock模式使用模板生成，否则使用方舟模型
func newAdapter(ctx context.Context, cfg *config.Config, log *logrus.Logger) (generation.Adapter, error) {
	if cfg.ArkMock {
		log.Warn("ARK_MOCK enabled, generating template content")
		return generation.TemplateAdapter{}, nil
	}

	arkClient := volc.NewArkClient(cfg.ArkAPIKey, false, cfg.ArkHTTPTimeout)
	arkClient.Log = log.WithField("component", "ark")

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:     cfg.ArkAPIKey,
		HTTPClient: arkClient.HTTPClient,
		Model:      cfg.ArkChatModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	imageTool := tools.NewImageTool(arkClient, cfg.ArkImageModel)
	return generation.NewEinoAdapter(ctx, chatModel, imageTool, log.WithField("component", "generation"))
}
