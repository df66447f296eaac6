package repository

import (
	"context"
	"errors"

	"github.com/isopen-io/meeshy-sync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MemberRepository 基于 gorm 的会话成员仓储
type MemberRepository struct {
	db *gorm.DB
}

// NewMemberRepository 创建MemberRepository实例
func NewMemberRepository(db *gorm.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

var _ MemberStore = (*MemberRepository)(nil)

// IsActiveMember 判断用户是否为会话的有效成员
func (r *MemberRepository) IsActiveMember(ctx context.Context, conversationID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Count(&count).Error
	return count > 0, err
}

// ListActive 返回会话的全部有效成员
func (r *MemberRepository) ListActive(ctx context.Context, conversationID uint) ([]*model.ConversationMember, error) {
	var members []*model.ConversationMember
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Find(&members).Error
	return members, err
}

// PreferredLanguages 批量获取成员的首选语言
func (r *MemberRepository) PreferredLanguages(ctx context.Context, conversationID uint, userIDs []uint) (map[uint]string, error) {
	if len(userIDs) == 0 {
		return map[uint]string{}, nil
	}

	var members []*model.ConversationMember
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id IN ? AND is_active = ?", conversationID, userIDs, true).
		Find(&members).Error
	if err != nil {
		return nil, err
	}

	result := make(map[uint]string, len(members))
	for _, m := range members {
		result[m.UserID] = m.PreferredLanguage
	}
	return result, nil
}

// Add 添加成员（幂等，重复添加恢复 IsActive）
func (r *MemberRepository) Add(ctx context.Context, member *model.ConversationMember) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_active", "preferred_language", "role", "updated_at"}),
		}).
		Create(member).Error
}

// Remove 移除成员
func (r *MemberRepository) Remove(ctx context.Context, conversationID, userID uint) error {
	result := r.db.WithContext(ctx).
		Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// GetMember 获取单个成员记录
func (r *MemberRepository) GetMember(ctx context.Context, conversationID, userID uint) (*model.ConversationMember, error) {
	var member model.ConversationMember
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}
