package service

import (
	"context"
	"fmt"

	"github.com/isopen-io/meeshy-sync/internal/model"
	"github.com/isopen-io/meeshy-sync/internal/repository"

	"go.uber.org/zap"
)

const (
	// DefaultSyncLimit 增量同步单次默认返回条数
	DefaultSyncLimit = 50
	// MaxSyncLimit 增量同步单次最大返回条数
	MaxSyncLimit = 200
)

// SyncService 会话增量同步服务
// 客户端带着本地最高水位（最后一条已知消息ID）请求，服务端返回其后的消息
// 水位为 0 视为冷启动，走倒序回填
type SyncService struct {
	messages repository.MessageStore
	members  repository.MemberStore
	logger   *zap.Logger
}

// NewSyncService 创建同步服务
func NewSyncService(messages repository.MessageStore, members repository.MemberStore, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		messages: messages,
		members:  members,
		logger:   logger,
	}
}

// DeltaSince 返回会话中指定消息之后的消息，按创建顺序升序
// afterID 为 0 时返回最早的 limit 条
func (s *SyncService) DeltaSince(ctx context.Context, userID, conversationID, afterID uint, limit int) ([]*model.Message, error) {
	if err := s.EnsureMember(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	return s.messages.ListAfter(ctx, conversationID, afterID, limit)
}

// Backfill 冷启动回填：按创建时间倒序分页返回会话消息
func (s *SyncService) Backfill(ctx context.Context, userID, conversationID uint, limit, offset int) ([]*model.Message, error) {
	if err := s.EnsureMember(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	return s.messages.ListRecent(ctx, conversationID, limit, offset)
}

// EnsureMember 校验用户是当前会话的有效成员
func (s *SyncService) EnsureMember(ctx context.Context, userID, conversationID uint) error {
	isMember, err := s.members.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("成员校验失败: %w", err)
	}
	if !isMember {
		return ErrNotMember
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSyncLimit
	}
	if limit > MaxSyncLimit {
		return MaxSyncLimit
	}
	return limit
}
