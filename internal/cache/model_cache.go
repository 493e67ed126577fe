// ============================================================================
// Scene-Forge 模型快取 - 容量與記憶體雙重上限的 LRU
// ============================================================================
//
// Package: internal/cache
// 文件: model_cache.go
// 功能: 保留成功生成的模型，避免重複生成
//
// 上限:
//   - MaxEntries      最多 10 筆
//   - MemoryThreshold 估計記憶體總和不超過 50 MiB
//
// Put 流程:
//   1. 估計記憶體 > 門檻 → 反覆淘汰最舊項目
//   2. 筆數 >= 上限      → 淘汰一筆
//   3. 透過 retry 取得 metadata（失敗時以 5 MiB 預設大小代替，只記錄日誌）
//   4. 重新檢查上限並騰出空間後寫入，CachedAt = LastAccessed = now
//
// 淘汰規則:
//   最舊 = LastAccessed 最小（為零時以 CachedAt 代替）；
//   時間相同時以存取順序決定，先被觸碰的先淘汰。
//
// 並發安全:
//   單一 sync.Mutex 保護所有讀寫；metadata 取得期間不持有鎖。
//
// ============================================================================

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/retry"
	"github.com/ChuLiYu/scene-forge/pkg/types"
)

var log = slog.Default()

const (
	DefaultMaxEntries      = 10
	DefaultMemoryThreshold = 50 * 1024 * 1024
	DefaultEntrySize       = 5 * 1024 * 1024
)

// EvictReason 淘汰原因
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictMemory   EvictReason = "memory"
	EvictClear    EvictReason = "clear"
	EvictManual   EvictReason = "manual"
)

// MetadataFetcher 取得模型 metadata 的外部協作者
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, modelURL string) (types.ModelMetadata, error)
}

// MetadataFetchError metadata 取得失敗；只記錄，不回傳給呼叫者
type MetadataFetchError struct {
	URL string
	Err error
}

func (e *MetadataFetchError) Error() string {
	return fmt.Sprintf("fetch metadata for %s: %v", e.URL, e.Err)
}

func (e *MetadataFetchError) Unwrap() error {
	return e.Err
}

// Config 快取上限設定
type Config struct {
	MaxEntries       int          `yaml:"max_entries"`
	MemoryThreshold  int64        `yaml:"memory_threshold_bytes"`
	DefaultEntrySize int64        `yaml:"default_entry_size_bytes"`
	Retry            retry.Policy `yaml:"-"`
}

// DefaultConfig 回傳 10 筆 / 50 MiB / 5 MiB 的預設設定
func DefaultConfig() Config {
	return Config{
		MaxEntries:       DefaultMaxEntries,
		MemoryThreshold:  DefaultMemoryThreshold,
		DefaultEntrySize: DefaultEntrySize,
		Retry:            retry.DefaultPolicy(),
	}
}

type item struct {
	entry types.CacheEntry
	seq   uint64 // 最後一次觸碰的順序
}

// EvictFunc 每次淘汰後呼叫（在鎖外）
type EvictFunc func(key types.Key, reason EvictReason)

// ModelCache 模型快取
type ModelCache struct {
	mu      sync.Mutex
	cfg     Config
	fetcher MetadataFetcher
	items   map[types.Key]*item
	seq     uint64
	onEvict EvictFunc
	now     func() time.Time
}

// New 建立模型快取；零值設定欄位套用預設值
func New(fetcher MetadataFetcher, cfg Config) *ModelCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = DefaultMemoryThreshold
	}
	if cfg.DefaultEntrySize <= 0 {
		cfg.DefaultEntrySize = DefaultEntrySize
	}
	return &ModelCache{
		cfg:     cfg,
		fetcher: fetcher,
		items:   make(map[types.Key]*item),
		now:     time.Now,
	}
}

// Config 回傳生效中的設定
func (c *ModelCache) Config() Config {
	return c.cfg
}

// SetEvictHook 設定淘汰回呼
func (c *ModelCache) SetEvictHook(fn EvictFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// ============================================================================
// 讀取
// ============================================================================

// Get 取得快取項目並更新 LastAccessed
func (c *ModelCache) Get(key types.Key) (types.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		return types.CacheEntry{}, false
	}
	c.touchLocked(it, c.now())
	return it.entry, true
}

// Has 檢查 key 是否在快取中（不影響 LRU 順序）
func (c *ModelCache) Has(key types.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Len 快取筆數
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// EstimatedMemory 所有項目 SizeBytes 的總和
func (c *ModelCache) EstimatedMemory() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryLocked()
}

// Keys 依淘汰順序回傳所有 key（最舊在前）
func (c *ModelCache) Keys() []types.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]*item, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return older(items[i], items[j]) })

	keys := make([]types.Key, len(items))
	for i, it := range items {
		keys[i] = it.entry.Key
	}
	return keys
}

// ============================================================================
// 寫入
// ============================================================================

// Put 寫入一筆成功生成的模型
//
// metadata 取得失敗不會回傳錯誤，改用 DefaultEntrySize 並記錄日誌。
func (c *ModelCache) Put(ctx context.Context, key types.Key, modelURL string) types.CacheEntry {
	var evicted []evictedKey

	c.mu.Lock()
	for c.memoryLocked() > c.cfg.MemoryThreshold && len(c.items) > 0 {
		evicted = append(evicted, c.evictOldestLocked(EvictMemory))
	}
	if _, exists := c.items[key]; !exists && len(c.items) >= c.cfg.MaxEntries {
		evicted = append(evicted, c.evictOldestLocked(EvictCapacity))
	}
	c.mu.Unlock()
	c.fireEvicted(evicted)

	var metadata *types.ModelMetadata
	size := c.cfg.DefaultEntrySize
	md, err := c.fetchMetadata(ctx, modelURL)
	if err != nil {
		log.Warn("Failed to fetch model metadata, using default size",
			"key", key, "error", err, "default_size", size)
	} else {
		metadata = &md
		if md.SizeBytes > 0 {
			size = md.SizeBytes
		}
	}

	return c.insert(key, modelURL, metadata, size)
}

// Populate 直接寫入已知 metadata 的項目（不呼叫外部服務）
//
// metadata 為 nil 時以 DefaultEntrySize 計算。
func (c *ModelCache) Populate(key types.Key, modelURL string, metadata *types.ModelMetadata) types.CacheEntry {
	size := c.cfg.DefaultEntrySize
	if metadata != nil && metadata.SizeBytes > 0 {
		size = metadata.SizeBytes
	}
	return c.insert(key, modelURL, metadata, size)
}

func (c *ModelCache) fetchMetadata(ctx context.Context, modelURL string) (types.ModelMetadata, error) {
	if c.fetcher == nil {
		return types.ModelMetadata{}, &MetadataFetchError{URL: modelURL, Err: fmt.Errorf("no metadata fetcher configured")}
	}
	md, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (types.ModelMetadata, error) {
		return c.fetcher.FetchMetadata(ctx, modelURL)
	})
	if err != nil {
		return types.ModelMetadata{}, &MetadataFetchError{URL: modelURL, Err: err}
	}
	return md, nil
}

func (c *ModelCache) insert(key types.Key, modelURL string, metadata *types.ModelMetadata, size int64) types.CacheEntry {
	var evicted []evictedKey

	c.mu.Lock()
	// 同 key 覆寫：舊項目不計入容量
	delete(c.items, key)
	for len(c.items) >= c.cfg.MaxEntries {
		evicted = append(evicted, c.evictOldestLocked(EvictCapacity))
	}
	for len(c.items) > 0 && c.memoryLocked()+size > c.cfg.MemoryThreshold {
		evicted = append(evicted, c.evictOldestLocked(EvictMemory))
	}

	now := c.now()
	it := &item{entry: types.CacheEntry{
		Key:          key,
		ModelURL:     modelURL,
		Metadata:     metadata,
		SizeBytes:    size,
		CachedAt:     now,
		LastAccessed: now,
	}}
	c.touchLocked(it, now)
	c.items[key] = it
	entry := it.entry
	total := c.memoryLocked()
	c.mu.Unlock()

	c.fireEvicted(evicted)
	log.Debug("Model cached", "key", key, "size", size, "evicted", len(evicted), "memory", total)
	return entry
}

// ============================================================================
// 淘汰
// ============================================================================

type evictedKey struct {
	key    types.Key
	reason EvictReason
}

// EvictOldest 淘汰最舊的一筆；快取為空時回傳 false
func (c *ModelCache) EvictOldest() (types.Key, bool) {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return "", false
	}
	ev := c.evictOldestLocked(EvictManual)
	c.mu.Unlock()

	c.fireEvicted([]evictedKey{ev})
	return ev.key, true
}

// Clear 清空快取
func (c *ModelCache) Clear() int {
	c.mu.Lock()
	evicted := make([]evictedKey, 0, len(c.items))
	for key := range c.items {
		evicted = append(evicted, evictedKey{key: key, reason: EvictClear})
	}
	c.items = make(map[types.Key]*item)
	c.mu.Unlock()

	c.fireEvicted(evicted)
	log.Info("Model cache cleared", "evicted", len(evicted))
	return len(evicted)
}

func (c *ModelCache) evictOldestLocked(reason EvictReason) evictedKey {
	var oldest *item
	for _, it := range c.items {
		if oldest == nil || older(it, oldest) {
			oldest = it
		}
	}
	delete(c.items, oldest.entry.Key)
	log.Debug("Evicted cached model", "key", oldest.entry.Key, "reason", reason)
	return evictedKey{key: oldest.entry.Key, reason: reason}
}

func (c *ModelCache) fireEvicted(evicted []evictedKey) {
	if len(evicted) == 0 {
		return
	}
	c.mu.Lock()
	fn := c.onEvict
	c.mu.Unlock()
	if fn == nil {
		return
	}
	for _, ev := range evicted {
		fn(ev.key, ev.reason)
	}
}

func (c *ModelCache) touchLocked(it *item, now time.Time) {
	c.seq++
	it.seq = c.seq
	it.entry.LastAccessed = now
}

func (c *ModelCache) memoryLocked() int64 {
	var total int64
	for _, it := range c.items {
		total += it.entry.SizeBytes
	}
	return total
}

// older 判斷 a 是否比 b 更該被淘汰
func older(a, b *item) bool {
	ta, tb := accessTime(a), accessTime(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.seq < b.seq
}

func accessTime(it *item) time.Time {
	if it.entry.LastAccessed.IsZero() {
		return it.entry.CachedAt
	}
	return it.entry.LastAccessed
}
