package toolkit

import (
	"strings"
	"sync"
)

// Cache 按用户地址保存已构建的工具集。
type Cache interface {
	Get(userAddress string) (*Toolkit, bool)
	Put(userAddress string, tk *Toolkit)
	Delete(userAddress string)
	Len() int
}

// MemoryCache 是进程内的 Cache 实现，后写入者覆盖先写入者。
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]*Toolkit
}

// NewMemoryCache 创建 MemoryCache。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]*Toolkit)}
}

func (c *MemoryCache) Get(userAddress string) (*Toolkit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tk, ok := c.items[cacheKey(userAddress)]
	return tk, ok
}

func (c *MemoryCache) Put(userAddress string, tk *Toolkit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey(userAddress)] = tk
}

func (c *MemoryCache) Delete(userAddress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey(userAddress))
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func cacheKey(userAddress string) string {
	return strings.ToLower(strings.TrimSpace(userAddress))
}

var _ Cache = (*MemoryCache)(nil)
