package repository

import (
	"context"
	"errors"

	"github.com/isopen-io/meeshy-sync/internal/model"

	"gorm.io/gorm"
)

// MessageRepository 基于 gorm 的消息仓储
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

var _ MessageStore = (*MessageRepository)(nil)

// Create 持久化消息
func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// GetByID 根据ID获取消息
func (r *MessageRepository) GetByID(ctx context.Context, id uint) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).First(&message, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// GetByClientMsgID 根据客户端消息ID查找（重复投递去重）
func (r *MessageRepository) GetByClientMsgID(ctx context.Context, senderID uint, clientMsgID string) (*model.Message, error) {
	if clientMsgID == "" {
		return nil, ErrMessageNotFound
	}
	var message model.Message
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND client_msg_id = ?", senderID, clientMsgID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// Update 保存编辑后的消息
func (r *MessageRepository) Update(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Save(msg).Error
}

// SoftDelete 软删除消息
func (r *MessageRepository) SoftDelete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&model.Message{}, id).Error
}

// ListRecent 按创建时间倒序分页查询会话消息
func (r *MessageRepository) ListRecent(ctx context.Context, conversationID uint, limit, offset int) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	return messages, err
}

// ListAfter 返回指定位置之后的消息（增量同步）
// afterID 为 0 时返回会话最早的消息起
func (r *MessageRepository) ListAfter(ctx context.Context, conversationID uint, afterID uint, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id > ?", conversationID, afterID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// Latest 返回会话中最新一条消息
func (r *MessageRepository) Latest(ctx context.Context, conversationID uint) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}
