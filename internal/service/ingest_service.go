package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/isopen-io/meeshy-sync/internal/model"
	"github.com/isopen-io/meeshy-sync/internal/repository"
	"github.com/isopen-io/meeshy-sync/pkg/protocol"

	"go.uber.org/zap"
)

// SendRequest 一次消息发送请求
type SendRequest struct {
	ConversationID   uint
	Content          string
	OriginalLanguage string
	ReplyToID        *uint
	ClientMsgID      string // 客户端消息ID，用于重复投递去重，可为空
	OriginConnID     string // 发起连接ID，广播时跳过（该连接走同步应答）
}

// MessageIngestService 消息接收服务
// 每条消息的生命周期：校验 → 持久化 → 广播 → 翻译入队
// 校验失败无任何副作用；持久化失败整体失败，不产生部分广播
// 同一会话内先持久化后广播，广播顺序与持久化顺序一致
type MessageIngestService struct {
	messages     repository.MessageStore
	members      repository.MemberStore
	cursors      *CursorTracker
	broadcaster  Broadcaster
	translations *TranslationService
	convLocks    keyedMutex
	dedupLocks   keyedMutex
	logger       *zap.Logger
}

// NewMessageIngestService 创建消息接收服务
func NewMessageIngestService(
	messages repository.MessageStore,
	members repository.MemberStore,
	cursors *CursorTracker,
	broadcaster Broadcaster,
	translations *TranslationService,
	logger *zap.Logger,
) *MessageIngestService {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageIngestService{
		messages:     messages,
		members:      members,
		cursors:      cursors,
		broadcaster:  broadcaster,
		translations: translations,
		logger:       logger,
	}
}

// Send 接收并分发一条新消息
func (s *MessageIngestService) Send(ctx context.Context, senderID uint, req SendRequest) (*model.Message, error) {
	// 重复投递去重：同一 (发送者, 客户端消息ID) 只持久化一次
	// 查重与写入必须在同一把键锁内，并发重复投递才不会都越过查重
	if req.ClientMsgID != "" {
		unlock := s.dedupLocks.lock(senderID, hashString(req.ClientMsgID))
		defer unlock()
		if existing, err := s.messages.GetByClientMsgID(ctx, senderID, req.ClientMsgID); err == nil {
			return existing, nil
		}
	}

	// 校验阶段：任何失败都不产生副作用
	if err := s.validate(ctx, senderID, &req); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ConversationID:   req.ConversationID,
		SenderID:         &senderID,
		ClientMsgID:      req.ClientMsgID,
		Content:          req.Content,
		OriginalLanguage: req.OriginalLanguage,
		ReplyToID:        req.ReplyToID,
	}

	// 同一会话内持久化与广播串行，保证广播顺序与持久化顺序一致
	unlock := s.convLocks.lock(req.ConversationID)
	if err := s.messages.Create(ctx, msg); err != nil {
		unlock()
		return nil, fmt.Errorf("持久化消息失败: %w", err)
	}
	s.broadcaster.Broadcast(req.ConversationID, protocol.EventMessageNew, protocol.NewMessage(msg), req.OriginConnID)
	unlock()

	// 发送者自己的游标始终追平（自己发的消息不需要被自己"接收"）
	if err := s.cursors.AdvanceOnReceive(ctx, senderID, msg); err != nil {
		s.logger.Warn("推进发送者游标失败", zap.Uint("sender_id", senderID), zap.Error(err))
	}

	// 当前在线的接收者视为已收到，推进各自的游标
	connected := s.broadcaster.ConnectedUserIDs(req.ConversationID)
	for _, userID := range connected {
		if userID == senderID {
			continue
		}
		if err := s.cursors.AdvanceOnReceive(ctx, userID, msg); err != nil {
			s.logger.Warn("推进接收者游标失败", zap.Uint("user_id", userID), zap.Error(err))
		}
	}

	// 为在线接收者的每种目标语言入队一次翻译请求
	s.enqueueTranslations(ctx, msg, senderID, connected)

	return msg, nil
}

// Edit 编辑一条消息
// 与发送相同的 持久化→广播 次序，另外使该消息的全部翻译缓存失效
func (s *MessageIngestService) Edit(ctx context.Context, userID, messageID uint, content string) (*model.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == nil || *msg.SenderID != userID {
		return nil, ErrPermissionDenied
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	now := time.Now()
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &now

	unlock := s.convLocks.lock(msg.ConversationID)
	if err := s.messages.Update(ctx, msg); err != nil {
		unlock()
		return nil, fmt.Errorf("保存编辑失败: %w", err)
	}
	s.broadcaster.Broadcast(msg.ConversationID, protocol.EventMessageEdited, protocol.NewMessage(msg), "")
	unlock()

	// 内容变了，旧翻译全部作废
	if s.translations != nil {
		s.translations.Invalidate(messageID)
	}

	return msg, nil
}

// Delete 软删除一条消息
func (s *MessageIngestService) Delete(ctx context.Context, userID, messageID uint) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == nil || *msg.SenderID != userID {
		return ErrPermissionDenied
	}

	unlock := s.convLocks.lock(msg.ConversationID)
	if err := s.messages.SoftDelete(ctx, messageID); err != nil {
		unlock()
		return fmt.Errorf("删除消息失败: %w", err)
	}
	s.broadcaster.Broadcast(msg.ConversationID, protocol.EventMessageDeleted, &protocol.MessageDeleted{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
	}, "")
	unlock()

	if s.translations != nil {
		s.translations.Invalidate(messageID)
	}

	return nil
}

// validate 消息校验
// 发送者必须是有效成员；内容在限制内；回复目标存在、未删除且在同一会话
func (s *MessageIngestService) validate(ctx context.Context, senderID uint, req *SendRequest) error {
	isMember, err := s.members.IsActiveMember(ctx, req.ConversationID, senderID)
	if err != nil {
		return fmt.Errorf("成员校验失败: %w", err)
	}
	if !isMember {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, ErrNotMember)
	}

	if err := validateContent(req.Content); err != nil {
		return err
	}

	if req.OriginalLanguage == "" {
		req.OriginalLanguage = "en"
	}

	if req.ReplyToID != nil {
		replyTo, err := s.messages.GetByID(ctx, *req.ReplyToID)
		if err != nil {
			if errors.Is(err, repository.ErrMessageNotFound) {
				return fmt.Errorf("%w: 回复目标不存在或已删除", ErrInvalidMessage)
			}
			return fmt.Errorf("回复目标校验失败: %w", err)
		}
		if replyTo.ConversationID != req.ConversationID {
			return fmt.Errorf("%w: 回复目标不在同一会话", ErrInvalidMessage)
		}
	}

	return nil
}

// validateContent 内容校验
func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: 内容为空", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > model.MaxContentLength {
		return fmt.Errorf("%w: 内容超过%d字符", ErrInvalidMessage, model.MaxContentLength)
	}
	return nil
}

// enqueueTranslations 为在线接收者的目标语言入队翻译
// 每个 (消息, 语言) 至多一次，由翻译缓存的 in-flight 标记兜底去重
func (s *MessageIngestService) enqueueTranslations(ctx context.Context, msg *model.Message, senderID uint, connected []uint) {
	if s.translations == nil || len(connected) == 0 {
		return
	}

	recipients := make([]uint, 0, len(connected))
	for _, userID := range connected {
		if userID != senderID {
			recipients = append(recipients, userID)
		}
	}
	if len(recipients) == 0 {
		return
	}

	langs, err := s.members.PreferredLanguages(ctx, msg.ConversationID, recipients)
	if err != nil {
		s.logger.Warn("获取成员语言偏好失败", zap.Uint("conversation_id", msg.ConversationID), zap.Error(err))
		return
	}

	seen := make(map[string]struct{})
	for _, lang := range langs {
		if lang == "" || lang == msg.OriginalLanguage {
			continue
		}
		if _, dup := seen[lang]; dup {
			continue
		}
		seen[lang] = struct{}{}

		s.translations.Enqueue(TranslationRequest{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SourceText:     msg.Content,
			SourceLanguage: msg.OriginalLanguage,
			TargetLanguage: lang,
		})
	}
}
