// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/SceneBreakdown/internal/config"
	apperrors "github.com/Corphon/SceneBreakdown/internal/errors"
	"github.com/Corphon/SceneBreakdown/internal/llm"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

const maxCacheEntries = 1000

// LLMService 将配置的生成服务组装为按顺序回退的调用链，并可选缓存响应。
// It satisfies breakdown.Generator.
type LLMService struct {
	providerMutex sync.RWMutex
	client        *llm.FallbackClient
	providerNames []string
	cache         *LLMCache
	isReady       bool
	readyState    string

	logger     *utils.Logger
	apiMetrics *utils.APIMetrics
}

// LLMCache md5 键值的响应缓存，带过期时间
type LLMCache struct {
	cache      map[string]*CacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

type CacheEntry struct {
	Response  *llm.Generation
	CreatedAt time.Time
}

func newLLMCache(expiration time.Duration) *LLMCache {
	return &LLMCache{
		cache:      make(map[string]*CacheEntry),
		expiration: expiration,
	}
}

// NewLLMService 根据配置创建生成服务链。初始化失败不会返回错误，
// 服务以未就绪状态返回，调用时报告 ProviderUnavailable。
func NewLLMService(cfg *config.Config, logger *utils.Logger, apiMetrics *utils.APIMetrics) *LLMService {
	service := createBaseLLMService(logger, apiMetrics)
	if cfg.CacheEnabled {
		service.cache = newLLMCache(time.Duration(cfg.CacheTTLMinutes) * time.Minute)
	}
	if err := service.UpdateProviders(cfg.Primary, cfg.Secondary); err != nil {
		logger.Warn("llm service not ready", map[string]interface{}{"error": err.Error()})
	}
	return service
}

// NewLLMServiceWithProviders wires an explicit provider chain. cacheTTL <= 0
// disables the cache.
func NewLLMServiceWithProviders(logger *utils.Logger, apiMetrics *utils.APIMetrics, cacheTTL time.Duration, providers ...llm.Provider) *LLMService {
	service := createBaseLLMService(logger, apiMetrics)
	if cacheTTL > 0 {
		service.cache = newLLMCache(cacheTTL)
	}
	service.setChain(providers)
	return service
}

func createBaseLLMService(logger *utils.Logger, apiMetrics *utils.APIMetrics) *LLMService {
	return &LLMService{
		isReady:    false,
		readyState: "Uninitialized",
		logger:     logger,
		apiMetrics: apiMetrics,
	}
}

// UpdateProviders rebuilds the chain from configuration. The primary must
// initialise; a failing secondary is logged and skipped.
func (s *LLMService) UpdateProviders(primary, secondary config.ProviderConfig) error {
	if !primary.Enabled() {
		s.markNotReady("Primary provider not configured")
		return apperrors.NewValidationError("primary provider not configured", nil)
	}

	first, err := llm.GetProvider(primary.Name, primary.ProviderSettings())
	if err != nil {
		s.markNotReady(fmt.Sprintf("Initialization failed: %v", err))
		return fmt.Errorf("initialize primary provider %s: %w", primary.Name, err)
	}

	chain := []llm.Provider{first}
	if secondary.Enabled() {
		second, err := llm.GetProvider(secondary.Name, secondary.ProviderSettings())
		if err != nil {
			s.logger.Warn("secondary provider unavailable", map[string]interface{}{
				"provider": secondary.Name,
				"error":    err.Error(),
			})
		} else {
			chain = append(chain, second)
		}
	}

	s.setChain(chain)
	return nil
}

func (s *LLMService) setChain(providers []llm.Provider) {
	client := llm.NewFallbackClient(s.logger, providers...)
	if s.apiMetrics != nil {
		client.OnAttempt(func(a llm.Attempt) {
			s.apiMetrics.RecordProviderCall(a.Provider, a.OK(), a.Duration)
		})
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.client = client
	s.providerNames = client.Providers()
	s.isReady = len(s.providerNames) > 0
	if s.isReady {
		s.readyState = "Ready"
	} else {
		s.readyState = "No providers configured"
	}
	// 更换服务后清理缓存
	if s.cache != nil {
		s.cache = newLLMCache(s.cache.expiration)
	}
}

func (s *LLMService) markNotReady(state string) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.isReady = false
	s.readyState = state
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.client != nil && s.isReady
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// ProviderNames returns the chain in try order.
func (s *LLMService) ProviderNames() []string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return append([]string(nil), s.providerNames...)
}

// Generate runs the provider chain, serving identical requests from the cache.
func (s *LLMService) Generate(ctx context.Context, req llm.GenerationRequest) (*llm.Generation, error) {
	s.providerMutex.RLock()
	client, ready, state, cache := s.client, s.isReady, s.readyState, s.cache
	names := strings.Join(s.providerNames, ",")
	s.providerMutex.RUnlock()

	if !ready || client == nil {
		return nil, apperrors.NewProviderUnavailableError("llm service not ready: "+state, nil)
	}

	cacheKey := generateCacheKey(req, names)
	if cache != nil {
		if cached, ok := cache.getFromCache(cacheKey); ok {
			s.logger.Debug("llm cache hit", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
			return cached, nil
		}
	}

	gen, err := client.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.saveToCache(cacheKey, gen)
	}
	return gen, nil
}

// generateCacheKey 生成缓存键
func generateCacheKey(req llm.GenerationRequest, providers string) string {
	hashInput := fmt.Sprintf("%s:::%s:::%.3f:::%d:::%s",
		req.UserPrompt, req.SystemPrompt, req.Temperature, req.MaxTokens, providers)
	return fmt.Sprintf("%x", md5.Sum([]byte(hashInput)))
}

// getFromCache 从缓存中获取结果（返回副本）
func (c *LLMCache) getFromCache(key string) (*llm.Generation, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists || time.Since(entry.CreatedAt) > c.expiration {
		return nil, false
	}

	copied := *entry.Response
	copied.Attempts = append([]llm.Attempt(nil), entry.Response.Attempts...)
	return &copied, true
}

// saveToCache 保存结果到缓存
func (c *LLMCache) saveToCache(key string, response *llm.Generation) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &CacheEntry{
		Response:  response,
		CreatedAt: time.Now(),
	}

	if len(c.cache) > maxCacheEntries {
		c.cleanupOldest(maxCacheEntries / 10)
	}
}

// cleanupOldest 清理最旧的缓存条目
func (c *LLMCache) cleanupOldest(count int) {
	type keyAge struct {
		key string
		age time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.CreatedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].age.Before(entries[j].age)
	})

	maxToDelete := min(count, len(entries))
	for i := 0; i < maxToDelete; i++ {
		delete(c.cache, entries[i].key)
	}
}

// Len returns the number of cached responses.
func (c *LLMCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}
