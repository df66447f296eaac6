package repository

import (
	"context"
	"errors"
	"time"

	"github.com/isopen-io/meeshy-sync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRepository 基于 gorm 的读取游标仓储
type CursorRepository struct {
	db *gorm.DB
}

// NewCursorRepository 创建CursorRepository实例
func NewCursorRepository(db *gorm.DB) *CursorRepository {
	return &CursorRepository{db: db}
}

var _ CursorStore = (*CursorRepository)(nil)

// Get 获取游标
func (r *CursorRepository) Get(ctx context.Context, userID, conversationID uint) (*model.ReadCursor, error) {
	var cursor model.ReadCursor
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCursorNotFound
		}
		return nil, err
	}
	return &cursor, nil
}

// Upsert 插入或整体更新游标行
// 以 (user_id, conversation_id) 唯一索引做冲突合并，避免并发插入产生重复行
func (r *CursorRepository) Upsert(ctx context.Context, cursor *model.ReadCursor) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"pointer_message_id", "pointer_created_at", "received_at", "read_at", "updated_at",
			}),
		}).
		Create(cursor).Error
}

// SetReadAt 在现有行上设置阅读时间（不移动指针）
func (r *CursorRepository) SetReadAt(ctx context.Context, userID, conversationID uint, readAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.ReadCursor{}).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Update("read_at", readAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCursorNotFound
	}
	return nil
}

// Delete 删除游标
func (r *CursorRepository) Delete(ctx context.Context, userID, conversationID uint) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Delete(&model.ReadCursor{}).Error
}

// GetForUsers 批量获取一组成员的游标
func (r *CursorRepository) GetForUsers(ctx context.Context, conversationID uint, userIDs []uint) (map[uint]*model.ReadCursor, error) {
	if len(userIDs) == 0 {
		return map[uint]*model.ReadCursor{}, nil
	}

	var cursors []*model.ReadCursor
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id IN ?", conversationID, userIDs).
		Find(&cursors).Error
	if err != nil {
		return nil, err
	}

	result := make(map[uint]*model.ReadCursor, len(cursors))
	for _, c := range cursors {
		result[c.UserID] = c
	}
	return result, nil
}
