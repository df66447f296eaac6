package localcache

import (
	"sort"
	"time"
)

// CachedMessage 缓存中的一条消息
// Tombstone 为 true 表示该位置是已删除消息的占位，保证 reply_to_id 引用始终可解析
type CachedMessage struct {
	ID               uint       `json:"id"`
	ConversationID   uint       `json:"conversation_id"`
	SenderID         *uint      `json:"sender_id,omitempty"`
	Content          string     `json:"content,omitempty"`
	OriginalLanguage string     `json:"original_language,omitempty"`
	ReplyToID        *uint      `json:"reply_to_id,omitempty"`
	IsEdited         bool       `json:"is_edited,omitempty"`
	EditedAt         *time.Time `json:"edited_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	Tombstone        bool       `json:"tombstone,omitempty"`
}

// UpsertMessage 写入或更新一条消息（按ID幂等，保留最新版本）
// 若消息回复的目标不在缓存中，插入一个墓碑占位
func (c *Cache) UpsertMessage(msg *CachedMessage) {
	if msg == nil || msg.ID == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := c.conversations[msg.ConversationID]
	replaced := false
	for i, existing := range messages {
		if existing.ID == msg.ID {
			// 墓碑不会被旧版本消息复活
			if existing.Tombstone && !msg.Tombstone {
				return
			}
			messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		messages = append(messages, msg)
	}

	// 回复目标缺失时补墓碑占位
	if msg.ReplyToID != nil && !msg.Tombstone {
		found := false
		for _, existing := range messages {
			if existing.ID == *msg.ReplyToID {
				found = true
				break
			}
		}
		if !found {
			// 占位的时间戳取引用方的，避免排在最旧端被窗口淘汰后引用重新悬空
			messages = append(messages, &CachedMessage{
				ID:             *msg.ReplyToID,
				ConversationID: msg.ConversationID,
				CreatedAt:      msg.CreatedAt,
				Tombstone:      true,
			})
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].ID < messages[j].ID
	})

	// 超出窗口时丢弃最旧的
	if len(messages) > c.maxMessages {
		messages = messages[len(messages)-c.maxMessages:]
	}

	c.conversations[msg.ConversationID] = messages
	c.markDirtyLocked(msg.ConversationID)
}

// DeleteMessage 把一条消息替换为墓碑占位
func (c *Cache) DeleteMessage(conversationID, messageID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := c.conversations[conversationID]
	for i, existing := range messages {
		if existing.ID == messageID {
			messages[i] = &CachedMessage{
				ID:             messageID,
				ConversationID: conversationID,
				CreatedAt:      existing.CreatedAt,
				Tombstone:      true,
			}
			c.markDirtyLocked(conversationID)
			return
		}
	}
}

// Range 按创建时间倒序分页返回会话消息（不含墓碑）
func (c *Cache) Range(conversationID uint, limit, offset int) []*CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := c.conversations[conversationID]
	visible := make([]*CachedMessage, 0, len(messages))
	// 内部按时间升序存储，倒序遍历即最新在前
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Tombstone {
			continue
		}
		visible = append(visible, messages[i])
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(visible) {
		return nil
	}
	visible = visible[offset:]
	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}

	out := make([]*CachedMessage, len(visible))
	for i, m := range visible {
		copied := *m
		out[i] = &copied
	}
	return out
}

// HighWaterMark 返回会话中已知的最大消息ID，作为增量同步的起点
func (c *Cache) HighWaterMark(conversationID uint) uint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var max uint
	for _, m := range c.conversations[conversationID] {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// Count 缓存中的消息总数（含墓碑）
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, messages := range c.conversations {
		total += len(messages)
	}
	return total
}

// markDirtyLocked 标记会话待落盘并调度去抖写入，调用方持锁
func (c *Cache) markDirtyLocked(conversationID uint) {
	c.dirty[conversationID] = struct{}{}
	c.metaDirty = true
	total := 0
	for _, messages := range c.conversations {
		total += len(messages)
	}
	c.meta.Count = total
	c.writer.schedule()
}
