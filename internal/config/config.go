package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 服务配置
type Config struct {
	Port string

	// 模型
	ArkAPIKey      string
	ArkMock        bool
	ArkChatModel   string
	ArkImageModel  string
	ArkHTTPTimeout time.Duration

	// 日志
	LogLevel string
	LogFile  string

	// 异步任务
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration

	// 工作流
	GenerationTimeout  time.Duration
	SessionTTL         time.Duration
	AutoAdvance        bool
	IllustrateSections bool
	ReviseWithFeedback bool

	// 相似缓存
	CacheThreshold float64
	CacheDB        string
	EmbeddingDims  int
}

// Load 先尝试加载.env，再读取环境变量
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		ArkAPIKey:          getEnv("ARK_API_KEY", ""),
		ArkChatModel:       getEnv("ARK_CHAT_MODEL", "doubao-seed-1-6-250615"),
		ArkImageModel:      getEnv("ARK_IMAGE_MODEL", "doubao-seedream-4.0"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            getEnv("LOG_FILE", ""),
		CacheDB:            getEnv("CACHE_DB", ""),
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	var err error
	cfg.ArkMock, err = getEnvBool("ARK_MOCK", cfg.ArkAPIKey == "")
	collect(err)
	cfg.AutoAdvance, err = getEnvBool("AUTO_ADVANCE", false)
	collect(err)
	cfg.IllustrateSections, err = getEnvBool("ILLUSTRATE_SECTIONS", false)
	collect(err)
	cfg.ReviseWithFeedback, err = getEnvBool("REVISE_WITH_FEEDBACK", false)
	collect(err)
	cfg.ArkHTTPTimeout, err = getEnvDuration("ARK_HTTP_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.Workers, err = getEnvInt("WORKERS", 4)
	collect(err)
	cfg.QueueSize, err = getEnvInt("QUEUE_SIZE", 64)
	collect(err)
	cfg.TaskTimeout, err = getEnvDuration("TASK_TIMEOUT", 5*time.Minute)
	collect(err)
	cfg.GenerationTimeout, err = getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute)
	collect(err)
	cfg.SessionTTL, err = getEnvDuration("SESSION_TTL", 24*time.Hour)
	collect(err)
	cfg.CacheThreshold, err = getEnvFloat("CACHE_THRESHOLD", 0.2)
	collect(err)
	cfg.EmbeddingDims, err = getEnvInt("EMBEDDING_DIMS", 384)
	collect(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	case c.QueueSize <= 0:
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize)
	case c.CacheThreshold <= 0 || c.CacheThreshold > 2:
		return fmt.Errorf("CACHE_THRESHOLD must be in (0, 2], got %g", c.CacheThreshold)
	case c.EmbeddingDims <= 0:
		return fmt.Errorf("EMBEDDING_DIMS must be positive, got %d", c.EmbeddingDims)
	case !c.ArkMock && c.ArkAPIKey == "":
		return fmt.Errorf("ARK_API_KEY is required unless ARK_MOCK=true")
	}
	return nil
}

// getEnv 获取环境变量，不存在时返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}


func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "":
		return defaultValue, nil
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return defaultValue, fmt.Errorf("%s: invalid bool %q", key, value)
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
