// Package localcache 实现客户端侧的离线消息缓存
// 按会话分文件存储最近消息窗口，带模式版本戳，版本不符或文件损坏时整体清空强制全量同步
package localcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SchemaVersion 缓存文件模式版本，结构变更时递增
const SchemaVersion = 1

const (
	metadataFile = "metadata.json"
	// DefaultMaxMessages 每个会话保留的最近消息条数
	DefaultMaxMessages = 500
	// DefaultDebounceWindow 落盘合并窗口
	DefaultDebounceWindow = 500 * time.Millisecond
)

// metadata 缓存目录元信息
type metadata struct {
	SchemaVersion int       `json:"schema_version"`
	LastUpdated   time.Time `json:"last_updated"`
	Count         int       `json:"count"`
}

// Cache 本地消息缓存
// 所有读写走内存，落盘由去抖写入器合并
type Cache struct {
	mu            sync.Mutex
	dir           string
	maxMessages   int
	meta          metadata
	conversations map[uint][]*CachedMessage
	dirty         map[uint]struct{}
	metaDirty     bool
	writer        *debouncedWriter
	logger        *zap.Logger
}

// Open 打开或初始化缓存目录
// 元信息缺失时新建；版本不符或无法解析时清空目录重来
func Open(dir string, maxMessages int, window time.Duration, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	c := &Cache{
		dir:           dir,
		maxMessages:   maxMessages,
		conversations: make(map[uint][]*CachedMessage),
		dirty:         make(map[uint]struct{}),
		logger:        logger,
	}
	c.writer = newDebouncedWriter(c, window)

	meta, ok := c.readMetadata()
	if !ok || meta.SchemaVersion != SchemaVersion {
		if !ok {
			logger.Warn("缓存元信息损坏或缺失，清空缓存", zap.String("dir", dir))
		} else {
			logger.Info("缓存模式版本不符，清空缓存",
				zap.Int("found", meta.SchemaVersion),
				zap.Int("expected", SchemaVersion))
		}
		if err := c.wipe(); err != nil {
			return nil, err
		}
	} else {
		c.meta = meta
		if err := c.loadConversations(); err != nil {
			logger.Warn("缓存文件损坏，清空缓存", zap.Error(err))
			if err := c.wipe(); err != nil {
				return nil, err
			}
		}
	}

	return c, nil
}

// readMetadata 读取元信息，返回 ok=false 表示缺失或损坏
func (c *Cache) readMetadata() (metadata, bool) {
	var meta metadata
	data, err := os.ReadFile(filepath.Join(c.dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			// 空目录，按当前版本初始化
			return metadata{SchemaVersion: SchemaVersion}, true
		}
		return meta, false
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, false
	}
	return meta, true
}

// wipe 清空缓存目录并重置为当前版本的空缓存
func (c *Cache) wipe() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("读取缓存目录失败: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, entry.Name())); err != nil {
			return fmt.Errorf("清空缓存目录失败: %w", err)
		}
	}
	c.conversations = make(map[uint][]*CachedMessage)
	c.dirty = make(map[uint]struct{})
	c.meta = metadata{SchemaVersion: SchemaVersion, LastUpdated: time.Now()}
	return c.writeMetadataLocked()
}

// loadConversations 加载全部会话文件到内存
func (c *Cache) loadConversations() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		var conversationID uint
		if n, err := fmt.Sscanf(name, "conv_%d.json", &conversationID); n != 1 || err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			return err
		}
		var messages []*CachedMessage
		if err := json.Unmarshal(data, &messages); err != nil {
			return fmt.Errorf("解析 %s 失败: %w", name, err)
		}
		c.conversations[conversationID] = messages
	}
	return nil
}

func (c *Cache) conversationPath(conversationID uint) string {
	return filepath.Join(c.dir, fmt.Sprintf("conv_%d.json", conversationID))
}

func (c *Cache) writeMetadataLocked() error {
	data, err := json.Marshal(&c.meta)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(c.dir, metadataFile), data)
}

// flushLocked 把脏会话和元信息写到磁盘，调用方持锁
func (c *Cache) flushLocked() error {
	for conversationID := range c.dirty {
		data, err := json.Marshal(c.conversations[conversationID])
		if err != nil {
			return err
		}
		if err := atomicWrite(c.conversationPath(conversationID), data); err != nil {
			return fmt.Errorf("写入会话缓存失败: %w", err)
		}
		delete(c.dirty, conversationID)
	}
	if c.metaDirty {
		c.meta.LastUpdated = time.Now()
		if err := c.writeMetadataLocked(); err != nil {
			return fmt.Errorf("写入缓存元信息失败: %w", err)
		}
		c.metaDirty = false
	}
	return nil
}

// Flush 立即把全部待写数据落盘
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// Close 停止去抖写入器并落盘
func (c *Cache) Close() error {
	c.writer.stop()
	return c.Flush()
}

// atomicWrite 先写临时文件再改名，避免写一半留下损坏文件
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
