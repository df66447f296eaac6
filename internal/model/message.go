package model

import (
	"time"

	"gorm.io/gorm"
)

// MaxContentLength 消息内容最大字符数（与网关校验保持一致）
const MaxContentLength = 2000

// Message 消息模型
// ID 由服务端分配且在会话内单调可排序（自增主键）
// SenderID 为空表示系统消息
// 内容只能通过显式编辑操作修改，编辑会记录 IsEdited/EditedAt
// 删除仅做软删除，被游标引用的消息永远不会物理删除

type Message struct {
	ID               uint           `gorm:"primaryKey"`
	ConversationID   uint           `gorm:"not null;index:idx_conv_created;comment:会话ID"`
	SenderID         *uint          `gorm:"index;comment:发送者ID(系统消息为空)"`
	ClientMsgID      string         `gorm:"type:varchar(64);index;comment:客户端消息ID(幂等去重)"`
	Content          string         `gorm:"type:text;not null;comment:消息内容"`
	OriginalLanguage string         `gorm:"type:varchar(16);default:'en';comment:原始语言"`
	ReplyToID        *uint          `gorm:"index;comment:被回复消息ID"`
	IsEdited         bool           `gorm:"default:false;comment:是否被编辑过"`
	EditedAt         *time.Time     `gorm:"comment:最近编辑时间"`
	CreatedAt        time.Time      `gorm:"index:idx_conv_created;comment:创建时间"`
	UpdatedAt        time.Time      `gorm:"comment:更新时间"`
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

func (Message) TableName() string { return "message" }

// After 判断本消息是否排在 other 之后
// 先比创建时间，相同时按 ID 比较，保证会话内全序
func (m *Message) After(other *Message) bool {
	if other == nil {
		return true
	}
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID > other.ID
	}
	return m.CreatedAt.After(other.CreatedAt)
}
