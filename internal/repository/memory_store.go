package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/isopen-io/meeshy-sync/internal/model"

	"gorm.io/gorm"
)

// MemoryMessageStore 内存消息存储
// 用于测试和无数据库的轻量部署，行为与 gorm 实现保持一致
type MemoryMessageStore struct {
	mu       sync.RWMutex
	nextID   uint
	messages map[uint]*model.Message
}

// NewMemoryMessageStore 创建内存消息存储
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		nextID:   1,
		messages: make(map[uint]*model.Message),
	}
}

var _ MessageStore = (*MemoryMessageStore)(nil)

// Create 持久化消息并分配 ID/CreatedAt
func (s *MemoryMessageStore) Create(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = s.nextID
	s.nextID++
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.UpdatedAt = msg.CreatedAt

	stored := *msg
	s.messages[msg.ID] = &stored
	return nil
}

// GetByID 根据ID获取消息
func (s *MemoryMessageStore) GetByID(_ context.Context, id uint) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok || msg.DeletedAt.Valid {
		return nil, ErrMessageNotFound
	}
	copied := *msg
	return &copied, nil
}

// GetByClientMsgID 根据客户端消息ID查找
func (s *MemoryMessageStore) GetByClientMsgID(_ context.Context, senderID uint, clientMsgID string) (*model.Message, error) {
	if clientMsgID == "" {
		return nil, ErrMessageNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.DeletedAt.Valid || msg.SenderID == nil {
			continue
		}
		if *msg.SenderID == senderID && msg.ClientMsgID == clientMsgID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, ErrMessageNotFound
}

// Update 保存编辑后的消息
func (s *MemoryMessageStore) Update(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; !ok {
		return ErrMessageNotFound
	}
	msg.UpdatedAt = time.Now()
	stored := *msg
	s.messages[msg.ID] = &stored
	return nil
}

// SoftDelete 软删除消息
func (s *MemoryMessageStore) SoftDelete(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	return nil
}

// ListRecent 按创建时间倒序分页查询会话消息
func (s *MemoryMessageStore) ListRecent(_ context.Context, conversationID uint, limit, offset int) ([]*model.Message, error) {
	all := s.conversationMessages(conversationID)
	// 倒序
	sort.Slice(all, func(i, j int) bool { return all[i].After(all[j]) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListAfter 返回指定位置之后的消息，按创建顺序升序
func (s *MemoryMessageStore) ListAfter(_ context.Context, conversationID uint, afterID uint, limit int) ([]*model.Message, error) {
	all := s.conversationMessages(conversationID)
	sort.Slice(all, func(i, j int) bool { return all[j].After(all[i]) })

	var result []*model.Message
	for _, msg := range all {
		if msg.ID > afterID {
			result = append(result, msg)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Latest 返回会话中最新一条消息
func (s *MemoryMessageStore) Latest(_ context.Context, conversationID uint) (*model.Message, error) {
	all := s.conversationMessages(conversationID)
	if len(all) == 0 {
		return nil, ErrMessageNotFound
	}

	latest := all[0]
	for _, msg := range all[1:] {
		if msg.After(latest) {
			latest = msg
		}
	}
	return latest, nil
}

// conversationMessages 拷贝会话内的全部未删除消息
func (s *MemoryMessageStore) conversationMessages(conversationID uint) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && !msg.DeletedAt.Valid {
			copied := *msg
			result = append(result, &copied)
		}
	}
	return result
}

// MemoryCursorStore 内存读取游标存储
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[cursorKey]*model.ReadCursor
}

type cursorKey struct {
	userID         uint
	conversationID uint
}

// NewMemoryCursorStore 创建内存游标存储
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[cursorKey]*model.ReadCursor)}
}

var _ CursorStore = (*MemoryCursorStore)(nil)

// Get 获取游标
func (s *MemoryCursorStore) Get(_ context.Context, userID, conversationID uint) (*model.ReadCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[cursorKey{userID, conversationID}]
	if !ok {
		return nil, ErrCursorNotFound
	}
	copied := *cursor
	return &copied, nil
}

// Upsert 插入或整体更新游标行
func (s *MemoryCursorStore) Upsert(_ context.Context, cursor *model.ReadCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor.UpdatedAt = time.Now()
	copied := *cursor
	s.cursors[cursorKey{cursor.UserID, cursor.ConversationID}] = &copied
	return nil
}

// SetReadAt 在现有行上设置阅读时间
func (s *MemoryCursorStore) SetReadAt(_ context.Context, userID, conversationID uint, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, ok := s.cursors[cursorKey{userID, conversationID}]
	if !ok {
		return ErrCursorNotFound
	}
	cursor.ReadAt = &readAt
	cursor.UpdatedAt = time.Now()
	return nil
}

// Delete 删除游标
func (s *MemoryCursorStore) Delete(_ context.Context, userID, conversationID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cursors, cursorKey{userID, conversationID})
	return nil
}

// GetForUsers 批量获取一组成员的游标
func (s *MemoryCursorStore) GetForUsers(_ context.Context, conversationID uint, userIDs []uint) (map[uint]*model.ReadCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[uint]*model.ReadCursor)
	for _, userID := range userIDs {
		if cursor, ok := s.cursors[cursorKey{userID, conversationID}]; ok {
			copied := *cursor
			result[userID] = &copied
		}
	}
	return result, nil
}

// MemoryMemberStore 内存会话成员存储
type MemoryMemberStore struct {
	mu      sync.RWMutex
	members map[cursorKey]*model.ConversationMember // key 复用 (userID, conversationID)
}

// NewMemoryMemberStore 创建内存成员存储
func NewMemoryMemberStore() *MemoryMemberStore {
	return &MemoryMemberStore{members: make(map[cursorKey]*model.ConversationMember)}
}

var _ MemberStore = (*MemoryMemberStore)(nil)

// IsActiveMember 判断用户是否为会话的有效成员
func (s *MemoryMemberStore) IsActiveMember(_ context.Context, conversationID, userID uint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	member, ok := s.members[cursorKey{userID, conversationID}]
	return ok && member.IsActive, nil
}

// ListActive 返回会话的全部有效成员
func (s *MemoryMemberStore) ListActive(_ context.Context, conversationID uint) ([]*model.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.ConversationMember
	for _, member := range s.members {
		if member.ConversationID == conversationID && member.IsActive {
			copied := *member
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// PreferredLanguages 批量获取成员的首选语言
func (s *MemoryMemberStore) PreferredLanguages(_ context.Context, conversationID uint, userIDs []uint) (map[uint]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[uint]string)
	for _, userID := range userIDs {
		if member, ok := s.members[cursorKey{userID, conversationID}]; ok && member.IsActive {
			result[userID] = member.PreferredLanguage
		}
	}
	return result, nil
}

// Add 添加成员（幂等）
func (s *MemoryMemberStore) Add(_ context.Context, member *model.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *member
	copied.IsActive = true
	s.members[cursorKey{member.UserID, member.ConversationID}] = &copied
	return nil
}

// Remove 移除成员
func (s *MemoryMemberStore) Remove(_ context.Context, conversationID, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[cursorKey{userID, conversationID}]
	if !ok {
		return ErrMemberNotFound
	}
	member.IsActive = false
	return nil
}
