package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PresenceData 在线状态数据
// 仅作镜像供系统其他部分查询，进程内 RoomRegistry 才是连接的事实来源
type PresenceData struct {
	UserID    uint      `json:"user_id"`
	Status    string    `json:"status"` // online/offline
	LastSeen  time.Time `json:"last_seen"`
	Connected bool      `json:"connected"` // 是否有活跃连接
}

// 在线状态相关常量
const (
	PresenceKeyPrefix = "meeshy:presence:user:" // 用户在线状态key前缀
	OnlineUsersKey    = "meeshy:online:users"   // 在线用户集合key
	PresenceTTL       = 2 * time.Minute         // 在线状态TTL（2倍心跳周期）
)

// Presence 在线状态镜像
type Presence struct {
	client *Client
}

// NewPresence 创建在线状态镜像
func NewPresence(client *Client) *Presence {
	return &Presence{client: client}
}

// Set 设置用户在线状态
func (p *Presence) Set(userID uint, status string) error {
	key := fmt.Sprintf("%s%d", PresenceKeyPrefix, userID)

	presence := PresenceData{
		UserID:    userID,
		Status:    status,
		LastSeen:  time.Now(),
		Connected: status == "online",
	}

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("序列化在线状态失败: %w", err)
	}

	// 设置用户状态，带TTL
	if err := p.client.Set(key, data, PresenceTTL); err != nil {
		return fmt.Errorf("设置用户在线状态失败: %w", err)
	}

	// 更新在线用户集合
	rdb := p.client.Raw()
	if status == "online" {
		err = rdb.SAdd(p.client.ctx, OnlineUsersKey, userID).Err()
	} else {
		err = rdb.SRem(p.client.ctx, OnlineUsersKey, userID).Err()
	}
	if err != nil {
		return fmt.Errorf("更新在线用户集合失败: %w", err)
	}

	return nil
}

// Refresh 刷新用户在线状态（延长TTL）
func (p *Presence) Refresh(userID uint) error {
	key := fmt.Sprintf("%s%d", PresenceKeyPrefix, userID)

	exists, err := p.client.Exists(key)
	if err != nil {
		return fmt.Errorf("检查用户状态失败: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("用户不在线")
	}

	if err := p.client.Expire(key, PresenceTTL); err != nil {
		return fmt.Errorf("刷新用户在线状态失败: %w", err)
	}
	return nil
}

// Remove 移除用户在线状态
func (p *Presence) Remove(userID uint) error {
	key := fmt.Sprintf("%s%d", PresenceKeyPrefix, userID)

	if err := p.client.Del(key); err != nil {
		return fmt.Errorf("删除用户在线状态失败: %w", err)
	}
	if err := p.client.Raw().SRem(p.client.ctx, OnlineUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("从在线用户集合移除失败: %w", err)
	}
	return nil
}

// IsOnline 检查用户是否在线
func (p *Presence) IsOnline(userID uint) (bool, error) {
	key := fmt.Sprintf("%s%d", PresenceKeyPrefix, userID)

	exists, err := p.client.Exists(key)
	if err != nil {
		return false, fmt.Errorf("检查用户在线状态失败: %w", err)
	}
	return exists > 0, nil
}

// OnlineUsers 获取所有在线用户ID列表
func (p *Presence) OnlineUsers() ([]uint, error) {
	members, err := p.client.Raw().SMembers(p.client.ctx, OnlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("获取在线用户列表失败: %w", err)
	}

	var userIDs []uint
	for _, member := range members {
		if id, err := strconv.ParseUint(member, 10, 32); err == nil {
			userIDs = append(userIDs, uint(id))
		}
	}
	return userIDs, nil
}
