package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/isopen-io/meeshy-sync/config"
	"github.com/isopen-io/meeshy-sync/internal/service"
	"github.com/isopen-io/meeshy-sync/pkg/jwt"
	"github.com/isopen-io/meeshy-sync/pkg/protocol"
	"github.com/isopen-io/meeshy-sync/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域
	},
}

// Presence 在线状态镜像，Redis 实现见 pkg/redis
type Presence interface {
	Set(userID uint, status string) error
	Refresh(userID uint) error
	Remove(userID uint) error
}

// Handler WebSocket接入层
// 负责鉴权、连接生命周期与事件分发，业务逻辑全部委托给各服务
type Handler struct {
	manager   *Manager
	jwtSvc    *jwt.JWTService
	ingest    *service.MessageIngestService
	sync      *service.SyncService
	cursors   *service.CursorTracker
	reactions service.ReactionSource
	presence  Presence
	wsCfg     config.WebSocketConfig
	logger    *zap.Logger
}

// NewHandler 创建WebSocket接入层
func NewHandler(
	manager *Manager,
	jwtSvc *jwt.JWTService,
	ingest *service.MessageIngestService,
	syncSvc *service.SyncService,
	cursors *service.CursorTracker,
	reactions service.ReactionSource,
	presence Presence,
	wsCfg config.WebSocketConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager:   manager,
		jwtSvc:    jwtSvc,
		ingest:    ingest,
		sync:      syncSvc,
		cursors:   cursors,
		reactions: reactions,
		presence:  presence,
		wsCfg:     wsCfg,
		logger:    logger,
	}
}

// Serve Gin路由处理函数
func (h *Handler) Serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Sec-WebSocket-Protocol"), "Bearer ")
	}
	if token == "" {
		response.Unauthorized(c, "缺少token")
		return
	}

	claims, err := h.jwtSvc.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "token无效或已过期")
		return
	}
	userID, _ := strconv.ParseUint(claims.Subject, 10, 32)
	if userID == 0 {
		response.Unauthorized(c, "token无效")
		return
	}

	// 回显子协议，避免客户端提示 "Server sent no subprotocol"
	respHeader := http.Header{}
	if proto := c.GetHeader("Sec-WebSocket-Protocol"); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		return
	}

	client := NewClient(uint(userID), conn, 256)
	h.manager.Register(client)
	_ = h.presence.Set(client.UserID, "online")

	defer func() {
		h.manager.Unregister(client.ConnID)
		_ = h.presence.Remove(client.UserID)
		_ = conn.Close()
	}()

	// 写协程 + 定时ping心跳
	// Unregister 关闭 Send 通道后写协程退出；ping失败时关闭连接让读循环同步退出
	go func() {
		ticker := time.NewTicker(h.wsCfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-client.Send:
				if !ok {
					return
				}
				_ = conn.WriteMessage(websocket.TextMessage, msg)
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	// 读循环：每收到一帧刷新读超时，超时未读到任何数据则断开
	_ = conn.SetReadDeadline(time.Now().Add(h.wsCfg.ReadTimeout))
	conn.SetPongHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(h.wsCfg.ReadTimeout))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.wsCfg.ReadTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.sendError(client, "bad_frame", "无法解析事件帧")
			continue
		}
		h.dispatch(c.Request.Context(), client, &env)
	}
}

// dispatch 按事件类型分发一帧
// 处理失败只回错误给发送方，不影响其他连接
func (h *Handler) dispatch(ctx context.Context, client *Client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventMessageSend:
		h.handleSend(ctx, client, env.Data)
	case protocol.EventConversationJoin:
		h.handleJoin(ctx, client, env.Data)
	case protocol.EventConversationLeave:
		h.handleLeave(client, env.Data)
	case protocol.EventConversationOpened:
		h.handleOpened(ctx, client, env.Data)
	case protocol.EventReactionSync:
		h.handleReactionSync(ctx, client, env.Data)
	case protocol.EventHeartbeat:
		_ = h.presence.Refresh(client.UserID)
	default:
		h.sendError(client, "unknown_event", "未知事件类型: "+env.Type)
	}
}

func (h *Handler) handleSend(ctx context.Context, client *Client, data json.RawMessage) {
	var req protocol.MessageSend
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(client, "bad_payload", "message.send 负载无效")
		return
	}

	msg, err := h.ingest.Send(ctx, client.UserID, service.SendRequest{
		ConversationID:   req.ConversationID,
		Content:          req.Content,
		OriginalLanguage: req.OriginalLanguage,
		ReplyToID:        req.ReplyToID,
		ClientMsgID:      req.ClientMsgID,
		OriginConnID:     client.ConnID,
	})
	if err != nil {
		h.sendError(client, errorCode(err), err.Error())
		return
	}

	// 发送方通过同步应答拿到持久化后的消息（含服务端分配的ID）
	h.manager.SendTo(client.ConnID, protocol.EventMessageNew, protocol.NewMessage(msg))
}

func (h *Handler) handleJoin(ctx context.Context, client *Client, data json.RawMessage) {
	var req protocol.ConversationRef
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(client, "bad_payload", "conversation.join 负载无效")
		return
	}

	if err := h.sync.EnsureMember(ctx, client.UserID, req.ConversationID); err != nil {
		h.sendError(client, errorCode(err), err.Error())
		return
	}

	// 先入房间再读回放：落在这段窗口内的新消息会同时出现在广播和回放里
	// 重复帧由客户端缓存按消息ID幂等合并
	h.manager.Join(req.ConversationID, client.ConnID)

	messages, err := h.sync.Backfill(ctx, client.UserID, req.ConversationID, service.DefaultSyncLimit, 0)
	if err != nil {
		h.manager.Leave(req.ConversationID, client.ConnID)
		h.sendError(client, errorCode(err), err.Error())
		return
	}

	// 加入即面对面：会话最新消息视为已收到
	if err := h.cursors.MarkPresent(ctx, client.UserID, req.ConversationID); err != nil {
		h.logger.Warn("加入会话推进游标失败",
			zap.Uint("user_id", client.UserID),
			zap.Uint("conversation_id", req.ConversationID),
			zap.Error(err))
	}

	wire := make([]*protocol.Message, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, protocol.NewMessage(m))
	}
	h.manager.SendTo(client.ConnID, protocol.EventConversationSync, &protocol.ConversationSync{
		ConversationID: req.ConversationID,
		Messages:       wire,
	})
}

func (h *Handler) handleLeave(client *Client, data json.RawMessage) {
	var req protocol.ConversationRef
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(client, "bad_payload", "conversation.leave 负载无效")
		return
	}
	h.manager.Leave(req.ConversationID, client.ConnID)
}

func (h *Handler) handleOpened(ctx context.Context, client *Client, data json.RawMessage) {
	var req protocol.ConversationRef
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(client, "bad_payload", "conversation.opened 负载无效")
		return
	}
	// 打开会话视为读到最新：upTo=0 表示读到当前游标指针
	if err := h.cursors.MarkRead(ctx, client.UserID, req.ConversationID, 0); err != nil {
		h.sendError(client, errorCode(err), err.Error())
	}
}

func (h *Handler) handleReactionSync(ctx context.Context, client *Client, data json.RawMessage) {
	var req protocol.ReactionSyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(client, "bad_payload", "reaction.sync_request 负载无效")
		return
	}
	if h.reactions == nil {
		h.sendError(client, "reactions_unavailable", "表情服务未配置")
		return
	}
	state, err := h.reactions.Reactions(ctx, req.MessageID)
	if err != nil {
		h.sendError(client, "reactions_unavailable", "表情状态暂不可用")
		return
	}
	h.manager.SendTo(client.ConnID, protocol.EventReactionState, &protocol.ReactionState{
		MessageID: req.MessageID,
		Reactions: state,
	})
}

func (h *Handler) sendError(client *Client, code, message string) {
	h.manager.SendTo(client.ConnID, protocol.EventError, &protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// errorCode 业务错误到线路错误码的映射
func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, service.ErrNotMember):
		return "not_member"
	case errors.Is(err, service.ErrPermissionDenied):
		return "permission_denied"
	default:
		return "internal_error"
	}
}
