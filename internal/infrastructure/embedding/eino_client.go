package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"kb-assistant-api/internal/config"

	"github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
)

// NewEinoEmbedder 创建基于 Eino 的 Embedder
func NewEinoEmbedder(ctx context.Context, cfg *config.EmbeddingConfig) (embedding.Embedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}

	// 使用 Eino 的 OpenAI 适配器
	embedder, err := openai.NewEmbedder(ctx, &openai.EmbeddingConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.Endpoint,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eino embedder: %w", err)
	}

	return embedder, nil
}

// Factory 按密钥缓存 Embedder 实例
// 用户可配置自己的 OpenAI 密钥，空密钥退回服务端默认配置
type Factory struct {
	config    *config.EmbeddingConfig
	embedders map[string]embedding.Embedder
	mu        sync.RWMutex
}

// NewFactory 创建 Embedder 工厂
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		config:    &cfg.Embedding,
		embedders: make(map[string]embedding.Embedder),
	}
}

// GetWithAPIKey 获取使用调用方密钥的 Embedder
func (f *Factory) GetWithAPIKey(ctx context.Context, apiKey string) (embedding.Embedder, error) {
	key := apiKey
	if key == "" {
		key = f.config.APIKey
	}
	cacheKey := keyFingerprint(key)

	f.mu.RLock()
	e, ok := f.embedders[cacheKey]
	f.mu.RUnlock()
	if ok {
		return e, nil
	}

	// 惰性加载
	f.mu.Lock()
	defer f.mu.Unlock()

	// 再次检查防止竞态
	if e, ok = f.embedders[cacheKey]; ok {
		return e, nil
	}

	cfg := *f.config
	cfg.APIKey = key
	e, err := NewEinoEmbedder(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	f.embedders[cacheKey] = e
	return e, nil
}

// keyFingerprint 生成密钥指纹作为缓存键，避免明文密钥驻留 map 键
func keyFingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
