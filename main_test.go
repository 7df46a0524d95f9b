package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkatigb/storai-app/internal/config"
	"github.com/jkatigb/storai-app/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		ArkMock:           true,
		LogLevel:          "error",
		Workers:           2,
		QueueSize:         8,
		TaskTimeout:       time.Second,
		GenerationTimeout: time.Second,
		SessionTTL:        time.Hour,
		CacheThreshold:    0.2,
		CacheDB:           filepath.Join(t.TempDir(), "cache.db"),
		EmbeddingDims:     128,
		AutoAdvance:       true,
	}
}

func nullLogger() *logrus.Logger {
	l, _ := test.NewNullLogger()
	return l
}

func TestRunDemo_CompletesAndReusesCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, err := buildApp(ctx, cfg, nullLogger())
	require.NoError(t, err)
	defer a.Close()

	params := model.StoryParameters{AgeRange: "4-6", Themes: []string{"courage"}, Moral: "be brave"}
	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, a.machine, params, true, &out, nullLogger()))
	assert.Contains(t, out.String(), `"complete": true`)

	stored := a.cache.Len()
	assert.Positive(t, stored)

	// a second identical run is served from the cache and adds nothing
	out.Reset()
	require.NoError(t, runDemo(ctx, a.machine, params, false, &out, nullLogger()))
	assert.Equal(t, stored, a.cache.Len())
}

func TestBuildApp_PersistentCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := buildApp(ctx, cfg, nullLogger())
	require.NoError(t, err)
	params := model.StoryParameters{AgeRange: "6-8", Themes: []string{"honesty"}, Moral: "tell the truth"}
	require.NoError(t, runDemo(ctx, a.machine, params, false, &bytes.Buffer{}, nullLogger()))
	stored := a.cache.Len()
	a.Close()

	b, err := buildApp(ctx, cfg, nullLogger())
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, stored, b.cache.Len())
}
