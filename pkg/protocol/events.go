package protocol

import (
	"encoding/json"
	"time"

	"github.com/isopen-io/meeshy-sync/internal/model"
)

// 客户端 → 服务端事件
const (
	EventMessageSend        = "message.send"
	EventConversationJoin   = "conversation.join"
	EventConversationLeave  = "conversation.leave"
	EventConversationOpened = "conversation.opened"
	EventReactionSync       = "reaction.sync_request"
	EventHeartbeat          = "heartbeat"
)

// 服务端 → 客户端事件
const (
	EventMessageNew        = "message.new"
	EventMessageEdited     = "message.edited"
	EventMessageDeleted    = "message.deleted"
	EventTranslation       = "message.translation"
	EventTranslationFailed = "message.translation_failed"
	EventReadStatusUpdated = "read_status.updated"
	EventConversationSync  = "conversation.sync"
	EventReactionState     = "reaction.state"
	EventError             = "error"
)

// Envelope 事件信封，所有 WebSocket 帧的统一外层
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode 序列化一个携带负载的事件帧
func Encode(eventType string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

// Message 消息在线路上的统一形态（message.new / message.edited / conversation.sync）
type Message struct {
	ID               uint       `json:"id"`
	ConversationID   uint       `json:"conversation_id"`
	SenderID         *uint      `json:"sender_id"`
	Content          string     `json:"content"`
	OriginalLanguage string     `json:"original_language"`
	ReplyToID        *uint      `json:"reply_to_id,omitempty"`
	IsEdited         bool       `json:"is_edited"`
	EditedAt         *time.Time `json:"edited_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// NewMessage 将存储模型转换为线路形态
func NewMessage(m *model.Message) *Message {
	if m == nil {
		return nil
	}
	return &Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		OriginalLanguage: m.OriginalLanguage,
		ReplyToID:        m.ReplyToID,
		IsEdited:         m.IsEdited,
		EditedAt:         m.EditedAt,
		CreatedAt:        m.CreatedAt,
	}
}

// ConversationSync conversation.sync 负载（join 的增量应答）
type ConversationSync struct {
	ConversationID uint       `json:"conversation_id"`
	Messages       []*Message `json:"messages"`
}

// MessageSend message.send 负载
type MessageSend struct {
	ConversationID   uint   `json:"conversation_id"`
	Content          string `json:"content"`
	OriginalLanguage string `json:"original_language,omitempty"`
	ReplyToID        *uint  `json:"reply_to_id,omitempty"`
	ClientMsgID      string `json:"client_msg_id,omitempty"`
}

// ConversationRef 仅携带会话ID的负载（join/leave/opened）
type ConversationRef struct {
	ConversationID uint `json:"conversation_id"`
}

// ReactionSyncRequest reaction.sync_request 负载
type ReactionSyncRequest struct {
	MessageID uint `json:"message_id"`
}

// MessageDeleted message.deleted 负载
type MessageDeleted struct {
	MessageID      uint `json:"message_id"`
	ConversationID uint `json:"conversation_id"`
}

// Translation message.translation 负载
type Translation struct {
	MessageID      uint   `json:"message_id"`
	ConversationID uint   `json:"conversation_id"`
	TargetLanguage string `json:"target_language"`
	Text           string `json:"text"`
}

// TranslationFailed message.translation_failed 负载
type TranslationFailed struct {
	MessageID      uint   `json:"message_id"`
	ConversationID uint   `json:"conversation_id"`
	TargetLanguage string `json:"target_language"`
}

// ReadStatusUpdated read_status.updated 负载
// Type: received / read
type ReadStatusUpdated struct {
	ConversationID uint   `json:"conversation_id"`
	UserID         uint   `json:"user_id"`
	Type           string `json:"type"`
}

// ReactionState reaction.state 负载
// Reactions: emoji -> 点过该表情的用户ID列表
type ReactionState struct {
	MessageID uint              `json:"message_id"`
	Reactions map[string][]uint `json:"reactions"`
}

// ErrorPayload error 负载，只回给出错的发送方
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
