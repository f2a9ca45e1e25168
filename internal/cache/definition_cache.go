// Package cache — Redis-кеш definition-графов перед загрузчиком из БД.
//
// Версии definitions иммутабельны, поэтому кеш не требует инвалидации:
// TTL ограничивает только объём памяти. Кеш опционален — при
// недоступном Redis сервисы работают напрямую через загрузчик.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// defaultTTL — время жизни закешированного графа.
const defaultTTL = time.Hour

// keyPrefix — префикс ключей кеша.
const keyPrefix = "conveyor:definition:"

// NewClient создаёт Redis-клиент по REDIS_URL и проверяет соединение.
func NewClient(ctx context.Context) (*redis.Client, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// DefinitionCache — кеширующая обёртка над engine.DefinitionLoader.
//
// Ошибки кеша не фатальны: промах или недоступный Redis приводят
// к загрузке из внутреннего загрузчика.
type DefinitionCache struct {
	client *redis.Client
	inner  engine.DefinitionLoader
	ttl    time.Duration
	logger *slog.Logger
}

// Config — конфигурация DefinitionCache.
type Config struct {
	// Client — Redis-клиент. Обязателен.
	Client *redis.Client

	// Inner — загрузчик-источник (репозиторий версий). Обязателен.
	Inner engine.DefinitionLoader

	// TTL — время жизни записи. По умолчанию один час.
	TTL time.Duration

	// Logger — логгер. По умолчанию slog.Default().
	Logger *slog.Logger
}

// New создаёт DefinitionCache.
func New(cfg Config) *DefinitionCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DefinitionCache{
		client: cfg.Client,
		inner:  cfg.Inner,
		ttl:    ttl,
		logger: logger,
	}
}

// Load возвращает граф версии: из кеша либо из внутреннего загрузчика
// с записью в кеш.
func (c *DefinitionCache) Load(ctx context.Context, versionID uuid.UUID) (*domain.ThreadDefinition, error) {
	key := keyPrefix + versionID.String()

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var def domain.ThreadDefinition
		if err := json.Unmarshal(data, &def); err == nil {
			return &def, nil
		}
		// Битая запись: перечитываем из источника и перезаписываем.
		c.logger.Warn("corrupt cached definition", "version_id", versionID)
	} else if err != redis.Nil {
		c.logger.Warn("definition cache read failed",
			"version_id", versionID,
			"error", err,
		)
	}

	def, err := c.inner.Load(ctx, versionID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(def)
	if err != nil {
		c.logger.Warn("marshal definition for cache", "version_id", versionID, "error", err)
		return def, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("definition cache write failed",
			"version_id", versionID,
			"error", err,
		)
	}

	return def, nil
}
