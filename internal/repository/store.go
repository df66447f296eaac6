package repository

import (
	"context"
	"errors"
	"time"

	"github.com/isopen-io/meeshy-sync/internal/model"
)

// 仓储层哨兵错误
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrCursorNotFound  = errors.New("cursor not found")
	ErrMemberNotFound  = errors.New("member not found")
)

// MessageStore 消息存储接口
// 核心逻辑只依赖接口，后端可选 gorm(mysql/sqlite) 或内存实现
type MessageStore interface {
	// Create 持久化消息并分配 ID/CreatedAt
	Create(ctx context.Context, msg *model.Message) error
	// GetByID 根据ID获取消息（含软删除标记判断，软删除的消息返回 ErrMessageNotFound）
	GetByID(ctx context.Context, id uint) (*model.Message, error)
	// GetByClientMsgID 根据发送者与客户端消息ID查找（用于重复投递去重）
	GetByClientMsgID(ctx context.Context, senderID uint, clientMsgID string) (*model.Message, error)
	// Update 保存编辑后的消息
	Update(ctx context.Context, msg *model.Message) error
	// SoftDelete 软删除消息（被游标引用的消息永不物理删除）
	SoftDelete(ctx context.Context, id uint) error
	// ListRecent 按创建时间倒序分页查询会话消息（冷启动回填）
	ListRecent(ctx context.Context, conversationID uint, limit, offset int) ([]*model.Message, error)
	// ListAfter 返回指定位置之后的消息，按创建顺序升序（增量同步）
	ListAfter(ctx context.Context, conversationID uint, afterID uint, limit int) ([]*model.Message, error)
	// Latest 返回会话中最新一条消息，会话为空时返回 ErrMessageNotFound
	Latest(ctx context.Context, conversationID uint) (*model.Message, error)
}

// CursorStore 读取游标存储接口
// 每个 (用户, 会话) 至多一行
type CursorStore interface {
	// Get 获取游标，缺失时返回 ErrCursorNotFound
	Get(ctx context.Context, userID, conversationID uint) (*model.ReadCursor, error)
	// Upsert 插入或整体更新游标行
	Upsert(ctx context.Context, cursor *model.ReadCursor) error
	// SetReadAt 在现有行上设置阅读时间（不移动指针）
	SetReadAt(ctx context.Context, userID, conversationID uint, readAt time.Time) error
	// Delete 删除游标（成员退出会话时调用）
	Delete(ctx context.Context, userID, conversationID uint) error
	// GetForUsers 批量获取一组成员的游标，缺失的成员不出现在结果中
	GetForUsers(ctx context.Context, conversationID uint, userIDs []uint) (map[uint]*model.ReadCursor, error)
}

// MemberStore 会话成员存储接口
type MemberStore interface {
	// IsActiveMember 判断用户是否为会话的有效成员
	IsActiveMember(ctx context.Context, conversationID, userID uint) (bool, error)
	// ListActive 返回会话的全部有效成员
	ListActive(ctx context.Context, conversationID uint) ([]*model.ConversationMember, error)
	// PreferredLanguages 批量获取成员的首选语言
	PreferredLanguages(ctx context.Context, conversationID uint, userIDs []uint) (map[uint]string, error)
	// Add 添加成员（幂等，重复添加恢复 IsActive）
	Add(ctx context.Context, member *model.ConversationMember) error
	// Remove 移除成员
	Remove(ctx context.Context, conversationID, userID uint) error
}
