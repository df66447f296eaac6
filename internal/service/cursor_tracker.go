package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isopen-io/meeshy-sync/internal/model"
	"github.com/isopen-io/meeshy-sync/internal/repository"
	"github.com/isopen-io/meeshy-sync/pkg/protocol"

	"go.uber.org/zap"
)

// CursorTracker 读取游标跟踪器
// 维护"每个(用户,会话)一个游标"的不变式，并在读取时按成员数聚合已收/已读状态
// 存储量只随成员数增长，绝不按 消息数×成员数 展开
type CursorTracker struct {
	cursors     repository.CursorStore
	messages    repository.MessageStore
	broadcaster Broadcaster
	locks       keyedMutex
	logger      *zap.Logger
}

// StatusReport 单条消息的聚合送达状态
type StatusReport struct {
	ReceivedBy []uint
	ReadBy     []uint
}

// NewCursorTracker 创建游标跟踪器
// broadcaster 可为 nil（例如纯存储场景），此时不发送 read_status.updated 事件
func NewCursorTracker(cursors repository.CursorStore, messages repository.MessageStore, broadcaster Broadcaster, logger *zap.Logger) *CursorTracker {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CursorTracker{
		cursors:     cursors,
		messages:    messages,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// AdvanceOnReceive 在用户收到新消息时推进游标
// 指针只向前：仅当 msg 晚于当前指针（或游标不存在）时更新
// 推进时 ReadAt 清空（新消息尚未被阅读）；过期的写入静默忽略，保证重放幂等
func (t *CursorTracker) AdvanceOnReceive(ctx context.Context, userID uint, msg *model.Message) error {
	unlock := t.locks.lock(userID, msg.ConversationID)
	defer unlock()

	current, err := t.cursors.Get(ctx, userID, msg.ConversationID)
	if err != nil && !errors.Is(err, repository.ErrCursorNotFound) {
		return fmt.Errorf("读取游标失败: %w", err)
	}

	if current != nil && current.Covers(msg) {
		// 指针已在该消息之后，静默忽略（容忍乱序投递）
		return nil
	}

	cursor := &model.ReadCursor{
		UserID:           userID,
		ConversationID:   msg.ConversationID,
		PointerMessageID: msg.ID,
		PointerCreatedAt: msg.CreatedAt,
		ReceivedAt:       time.Now(),
		ReadAt:           nil,
	}
	if err := t.cursors.Upsert(ctx, cursor); err != nil {
		return fmt.Errorf("推进游标失败: %w", err)
	}

	t.broadcaster.Broadcast(msg.ConversationID, protocol.EventReadStatusUpdated, &protocol.ReadStatusUpdated{
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Type:           "received",
	}, "")

	return nil
}

// MarkRead 在用户打开会话时设置阅读时间
// 只在现有游标行上写 ReadAt，从不把指针向后移动
// upToMessageID 为 0 表示读到当前指针位置；早于当前指针时视为过期写入，静默忽略
func (t *CursorTracker) MarkRead(ctx context.Context, userID, conversationID, upToMessageID uint) error {
	unlock := t.locks.lock(userID, conversationID)
	defer unlock()

	current, err := t.cursors.Get(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrCursorNotFound) {
			// 从未收到过消息，没有可标记的游标
			return nil
		}
		return fmt.Errorf("读取游标失败: %w", err)
	}

	if upToMessageID != 0 {
		upTo, err := t.messages.GetByID(ctx, upToMessageID)
		if err != nil {
			if errors.Is(err, repository.ErrMessageNotFound) {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}

		if upTo.CreatedAt.Before(current.PointerCreatedAt) {
			// 读到的位置早于当前指针，过期写入，静默忽略
			t.logger.Debug("忽略过期的已读标记",
				zap.Uint("user_id", userID),
				zap.Uint("up_to", upToMessageID),
				zap.Uint("pointer", current.PointerMessageID),
			)
			return nil
		}
	}

	if current.ReadAt != nil {
		// 已经标记过
		return nil
	}

	if err := t.cursors.SetReadAt(ctx, userID, conversationID, time.Now()); err != nil {
		return fmt.Errorf("写入阅读时间失败: %w", err)
	}

	t.broadcaster.Broadcast(conversationID, protocol.EventReadStatusUpdated, &protocol.ReadStatusUpdated{
		ConversationID: conversationID,
		UserID:         userID,
		Type:           "read",
	}, "")

	return nil
}

// MarkPresent 用户接入会话时把游标推进到"已追平"
// 不需要合成消息：直接指向会话当前最新一条
func (t *CursorTracker) MarkPresent(ctx context.Context, userID, conversationID uint) error {
	latest, err := t.messages.Latest(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			// 空会话无需游标
			return nil
		}
		return fmt.Errorf("读取最新消息失败: %w", err)
	}
	return t.AdvanceOnReceive(ctx, userID, latest)
}

// StatusFor 聚合一条消息的已收/已读状态
// 读取时按成员数 O(members) 计算，不依赖任何按消息展开的存储
func (t *CursorTracker) StatusFor(ctx context.Context, messageID, conversationID uint, memberIDs []uint) (*StatusReport, error) {
	msg, err := t.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("读取消息失败: %w", err)
	}

	cursors, err := t.cursors.GetForUsers(ctx, conversationID, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("批量读取游标失败: %w", err)
	}

	report := &StatusReport{}
	for _, memberID := range memberIDs {
		cursor, ok := cursors[memberID]
		if !ok {
			continue
		}
		if cursor.Covers(msg) {
			report.ReceivedBy = append(report.ReceivedBy, memberID)
			if cursor.ReadAt != nil {
				report.ReadBy = append(report.ReadBy, memberID)
			}
		}
	}

	return report, nil
}

// ReleaseMember 成员退出会话时删除其游标
func (t *CursorTracker) ReleaseMember(ctx context.Context, userID, conversationID uint) error {
	unlock := t.locks.lock(userID, conversationID)
	defer unlock()

	return t.cursors.Delete(ctx, userID, conversationID)
}
