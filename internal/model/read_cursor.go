package model

import (
	"time"
)

// ReadCursor 读取游标
// 每个 (用户, 会话) 只有一行，而不是每条消息一行——存储量只随成员数增长
// PointerMessageID 指向该用户接触过的最新消息
// PointerCreatedAt 冗余保存指针消息的创建时间，用于单调性判断时省去一次联表
// 指针只会向前移动；指针前进时 ReadAt 清空（新消息尚未被阅读）
// ReadAt 一旦设置必须 >= ReceivedAt
// 成员退出会话时删除该行

type ReadCursor struct {
	ID               uint       `gorm:"primaryKey"`
	UserID           uint       `gorm:"not null;uniqueIndex:idx_user_conv;comment:用户ID"`
	ConversationID   uint       `gorm:"not null;uniqueIndex:idx_user_conv;index;comment:会话ID"`
	PointerMessageID uint       `gorm:"not null;comment:指针消息ID"`
	PointerCreatedAt time.Time  `gorm:"not null;comment:指针消息创建时间"`
	ReceivedAt       time.Time  `gorm:"not null;comment:收到时间"`
	ReadAt           *time.Time `gorm:"comment:阅读时间"`
	UpdatedAt        time.Time  `gorm:"comment:更新时间"`
}

func (ReadCursor) TableName() string { return "read_cursor" }

// Covers 判断游标是否覆盖指定消息（即用户已接收到该消息）
func (c *ReadCursor) Covers(msg *Message) bool {
	if c == nil || msg == nil {
		return false
	}
	if c.PointerCreatedAt.Equal(msg.CreatedAt) {
		return c.PointerMessageID >= msg.ID
	}
	return c.PointerCreatedAt.After(msg.CreatedAt)
}
