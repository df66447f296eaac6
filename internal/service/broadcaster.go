package service

// Broadcaster 房间广播能力
// 由 pkg/websocket 的 Manager 实现，服务层只依赖接口以避免反向依赖
type Broadcaster interface {
	// Broadcast 向会话内当前注册的所有连接投递事件
	// excludeConnID 非空时跳过该连接（通常是动作的发起连接）
	Broadcast(conversationID uint, eventType string, payload interface{}, excludeConnID string)
	// ConnectedUserIDs 返回会话内当前在线的用户ID集合
	ConnectedUserIDs(conversationID uint) []uint
}

// nopBroadcaster 空实现，用于未接入连接层的场景
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(uint, string, interface{}, string) {}
func (nopBroadcaster) ConnectedUserIDs(uint) []uint                { return nil }
