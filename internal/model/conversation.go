package model

import (
	"time"

	"gorm.io/gorm"
)

// Conversation 会话模型
// Type: direct-单聊 group-群聊

type Conversation struct {
	ID        uint           `gorm:"primaryKey"`
	Title     string         `gorm:"type:varchar(128);comment:会话标题"`
	Type      string         `gorm:"type:varchar(16);default:'group';comment:会话类型"`
	CreatedAt time.Time      `gorm:"comment:创建时间"`
	UpdatedAt time.Time      `gorm:"comment:更新时间"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Conversation) TableName() string { return "conversation" }
