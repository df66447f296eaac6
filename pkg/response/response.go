package response

import (
	"net/http"

	"github.com/isopen-io/meeshy-sync/internal/model"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`           // 状态码：0表示成功，其他表示错误
	Message string      `json:"message"`        // 响应消息
	Data    interface{} `json:"data,omitempty"` // 响应数据
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 400错误
func BadRequest(c *gin.Context, message string) {
	Error(c, 400, message)
}

// Unauthorized 401错误
func Unauthorized(c *gin.Context, message string) {
	Error(c, 401, message)
}

// Forbidden 403错误
func Forbidden(c *gin.Context, message string) {
	Error(c, 403, message)
}

// NotFound 404错误
func NotFound(c *gin.Context, message string) {
	Error(c, 404, message)
}

// InternalError 500错误
func InternalError(c *gin.Context, message string) {
	Error(c, 500, message)
}

// MessageInfo 消息响应（对外字段）
type MessageInfo struct {
	ID               uint   `json:"id"`
	ConversationID   uint   `json:"conversation_id"`
	SenderID         *uint  `json:"sender_id"`
	Content          string `json:"content"`
	OriginalLanguage string `json:"original_language"`
	ReplyToID        *uint  `json:"reply_to_id,omitempty"`
	IsEdited         bool   `json:"is_edited"`
	EditedAt         string `json:"edited_at,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// FilterMessageInfo 过滤消息信息
func FilterMessageInfo(message *model.Message) *MessageInfo {
	if message == nil {
		return nil
	}

	info := &MessageInfo{
		ID:               message.ID,
		ConversationID:   message.ConversationID,
		SenderID:         message.SenderID,
		Content:          message.Content,
		OriginalLanguage: message.OriginalLanguage,
		ReplyToID:        message.ReplyToID,
		IsEdited:         message.IsEdited,
		CreatedAt:        message.CreatedAt.Format("2006-01-02 15:04:05"),
	}
	if message.EditedAt != nil {
		info.EditedAt = message.EditedAt.Format("2006-01-02 15:04:05")
	}
	return info
}

// FilterMessageList 批量过滤消息信息
func FilterMessageList(messages []*model.Message) []*MessageInfo {
	result := make([]*MessageInfo, 0, len(messages))
	for _, m := range messages {
		result = append(result, FilterMessageInfo(m))
	}
	return result
}

// StatusInfo 消息送达/已读状态响应
type StatusInfo struct {
	MessageID  uint   `json:"message_id"`
	ReceivedBy []uint `json:"received_by"`
	ReadBy     []uint `json:"read_by"`
}
