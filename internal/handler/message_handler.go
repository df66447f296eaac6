package handler

import (
	"errors"
	"strconv"

	"github.com/isopen-io/meeshy-sync/internal/repository"
	"github.com/isopen-io/meeshy-sync/internal/service"
	"github.com/isopen-io/meeshy-sync/pkg/jwt"
	"github.com/isopen-io/meeshy-sync/pkg/response"

	"github.com/gin-gonic/gin"
)

// MessageHandler 消息REST处理器
// WebSocket 之外的回填/同步/状态查询面
type MessageHandler struct {
	ingest   *service.MessageIngestService
	sync     *service.SyncService
	cursors  *service.CursorTracker
	members  repository.MemberStore
	messages repository.MessageStore
}

// NewMessageHandler 创建MessageHandler实例
func NewMessageHandler(
	ingest *service.MessageIngestService,
	syncSvc *service.SyncService,
	cursors *service.CursorTracker,
	members repository.MemberStore,
	messages repository.MessageStore,
) *MessageHandler {
	return &MessageHandler{
		ingest:   ingest,
		sync:     syncSvc,
		cursors:  cursors,
		members:  members,
		messages: messages,
	}
}

// SendMessage 发送消息
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID := jwt.GetUserID(c)
	if userID == 0 {
		response.Unauthorized(c, "未登录")
		return
	}

	// 绑定请求参数
	type req struct {
		ConversationID   uint   `json:"conversation_id" binding:"required"`
		Content          string `json:"content" binding:"required"`
		OriginalLanguage string `json:"original_language"`
		ReplyToID        *uint  `json:"reply_to_id"`
		ClientMsgID      string `json:"client_msg_id"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	message, err := h.ingest.Send(c.Request.Context(), userID, service.SendRequest{
		ConversationID:   r.ConversationID,
		Content:          r.Content,
		OriginalLanguage: r.OriginalLanguage,
		ReplyToID:        r.ReplyToID,
		ClientMsgID:      r.ClientMsgID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息发送成功", response.FilterMessageInfo(message))
}

// EditMessage 编辑消息（仅发送者本人）
func (h *MessageHandler) EditMessage(c *gin.Context) {
	userID := jwt.GetUserID(c)
	if userID == 0 {
		response.Unauthorized(c, "未登录")
		return
	}

	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	type req struct {
		Content string `json:"content" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	message, err := h.ingest.Edit(c.Request.Context(), userID, messageID, r.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息编辑成功", response.FilterMessageInfo(message))
}

// DeleteMessage 删除消息（仅发送者本人，软删除）
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID := jwt.GetUserID(c)
	if userID == 0 {
		response.Unauthorized(c, "未登录")
		return
	}

	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.ingest.Delete(c.Request.Context(), userID, messageID); err != nil {
		h.writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息删除成功", nil)
}

// GetMessages 获取会话消息历史（按创建时间倒序分页）
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID := jwt.GetUserID(c)
	if userID == 0 {
		response.Unauthorized(c, "未登录")
		return
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, err := h.sync.Backfill(c.Request.Context(), userID, conversationID, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "获取消息历史成功", response.FilterMessageList(messages))
}

// SyncMessages 增量同步：返回指定消息之后的消息，按创建顺序升序
func (h *MessageHandler) SyncMessages(c *gin.Context) {
	userID := jwt.GetUserID(c)
	if userID == 0 {
		response.Unauthorized(c, "未登录")
		return
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 32)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, err := h.sync.DeltaSince(c.Request.Context(), userID, conversationID, uint(after), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "增量同步成功", response.FilterMessageList(messages))
}

// GetMessageStatus 查询单条消息的送达/已读状态
func (h *MessageHandler) GetMessageStatus(c *gin.Context) {
	userID := jwt.GetUserID(c)
	if userID == 0 {
		response.Unauthorized(c, "未登录")
		return
	}

	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	msg, err := h.messages.GetByID(c.Request.Context(), messageID)
	if err != nil {
		response.NotFound(c, "消息不存在")
		return
	}

	isMember, err := h.members.IsActiveMember(c.Request.Context(), msg.ConversationID, userID)
	if err != nil {
		response.InternalError(c, "成员校验失败")
		return
	}
	if !isMember {
		response.Forbidden(c, "不是会话成员")
		return
	}

	members, err := h.members.ListActive(c.Request.Context(), msg.ConversationID)
	if err != nil {
		response.InternalError(c, "获取成员列表失败")
		return
	}

	// 发送者不计入接收/已读名单
	memberIDs := make([]uint, 0, len(members))
	for _, m := range members {
		if msg.SenderID != nil && m.UserID == *msg.SenderID {
			continue
		}
		memberIDs = append(memberIDs, m.UserID)
	}

	report, err := h.cursors.StatusFor(c.Request.Context(), messageID, msg.ConversationID, memberIDs)
	if err != nil {
		response.InternalError(c, "查询消息状态失败")
		return
	}

	response.SuccessWithMessage(c, "查询消息状态成功", &response.StatusInfo{
		MessageID:  messageID,
		ReceivedBy: report.ReceivedBy,
		ReadBy:     report.ReadBy,
	})
}

func (h *MessageHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidMessage):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrNotMember), errors.Is(err, service.ErrPermissionDenied):
		response.Forbidden(c, err.Error())
	case errors.Is(err, repository.ErrMessageNotFound):
		response.NotFound(c, "消息不存在")
	default:
		response.InternalError(c, err.Error())
	}
}

func parseIDParam(c *gin.Context, name string) (uint, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, name+" 无效")
		return 0, false
	}
	return uint(id), true
}
