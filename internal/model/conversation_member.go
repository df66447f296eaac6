package model

import (
	"time"

	"gorm.io/gorm"
)

// ConversationMember 会话成员
// PreferredLanguage 是翻译目标语言的来源（由外部用户资料写入）
// IsArchived/IsMuted/IsPinned 以本行字段为唯一事实来源，最后写入者生效

type ConversationMember struct {
	ID                uint           `gorm:"primaryKey"`
	ConversationID    uint           `gorm:"not null;uniqueIndex:idx_conv_user;comment:会话ID"`
	UserID            uint           `gorm:"not null;uniqueIndex:idx_conv_user;index;comment:用户ID"`
	Role              string         `gorm:"type:varchar(32);default:'member';comment:成员角色"`
	PreferredLanguage string         `gorm:"type:varchar(16);default:'en';comment:首选语言"`
	IsActive          bool           `gorm:"default:true;comment:是否为有效成员"`
	IsArchived        bool           `gorm:"default:false;comment:是否归档"`
	IsMuted           bool           `gorm:"default:false;comment:是否静音"`
	IsPinned          bool           `gorm:"default:false;comment:是否置顶"`
	CreatedAt         time.Time      `gorm:"comment:创建时间"`
	UpdatedAt         time.Time      `gorm:"comment:更新时间"`
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

func (ConversationMember) TableName() string { return "conversation_member" }
