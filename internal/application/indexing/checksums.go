package indexing

import "sync"

// ChecksumCache 进程内的文件清单校验和缓存
// 调度器用它判断数据源是否变更；手动重建/重置时清除对应条目，
// 保证下一次调度必然重新比对
type ChecksumCache struct {
	mu sync.Mutex
	m  map[string]string
}

// NewChecksumCache 创建校验和缓存
func NewChecksumCache() *ChecksumCache {
	return &ChecksumCache{m: make(map[string]string)}
}

// Get 获取用户的上次校验和
func (c *ChecksumCache) Get(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[userID]
	return v, ok
}

// Set 记录用户的校验和
func (c *ChecksumCache) Set(userID, checksum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[userID] = checksum
}

// Clear 清除用户的校验和
func (c *ChecksumCache) Clear(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, userID)
}
