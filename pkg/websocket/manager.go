package websocket

import (
	"sync"

	"github.com/isopen-io/meeshy-sync/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client 代表一个WebSocket连接
// 同一用户可以有多个连接（多端登录），以连接ID区分
type Client struct {
	ConnID string
	UserID uint
	Conn   *websocket.Conn
	Send   chan []byte
}

// NewClient 创建客户端并分配连接ID
func NewClient(userID uint, conn *websocket.Conn, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		ConnID: uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Manager 管理所有连接与房间（会话）成员关系
// 房间 = 一个会话当前已加入的连接集合，广播按房间扇出
type Manager struct {
	lock    sync.RWMutex
	clients map[string]*Client            // connID -> client
	rooms   map[uint]map[string]*Client   // conversationID -> connID -> client
	joined  map[string]map[uint]struct{}  // connID -> 已加入的会话集合
	logger  *zap.Logger
}

// NewManager 创建连接管理器
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clients: make(map[string]*Client),
		rooms:   make(map[uint]map[string]*Client),
		joined:  make(map[string]map[uint]struct{}),
		logger:  logger,
	}
}

// Register 登记新连接
func (m *Manager) Register(client *Client) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.clients[client.ConnID] = client
	m.joined[client.ConnID] = make(map[uint]struct{})
}

// Unregister 注销连接，并同步退出其加入的全部房间
// 注销完成后该连接不会再收到任何广播
func (m *Manager) Unregister(connID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	client, ok := m.clients[connID]
	if !ok {
		return
	}
	for conversationID := range m.joined[connID] {
		m.leaveLocked(conversationID, connID)
	}
	delete(m.joined, connID)
	delete(m.clients, connID)
	close(client.Send)
}

// Join 将连接加入会话房间（幂等）
func (m *Manager) Join(conversationID uint, connID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	client, ok := m.clients[connID]
	if !ok {
		return
	}
	room := m.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Client)
		m.rooms[conversationID] = room
	}
	room[connID] = client
	m.joined[connID][conversationID] = struct{}{}
}

// Leave 将连接移出会话房间（幂等）
func (m *Manager) Leave(conversationID uint, connID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.leaveLocked(conversationID, connID)
	if set, ok := m.joined[connID]; ok {
		delete(set, conversationID)
	}
}

func (m *Manager) leaveLocked(conversationID uint, connID string) {
	room, ok := m.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(m.rooms, conversationID)
	}
}

// Broadcast 向会话房间内所有连接广播事件，excludeConnID 指定的连接跳过
// 先在读锁内拍快照再发送，发送不持锁；发送缓冲满时丢弃该连接的这一帧
func (m *Manager) Broadcast(conversationID uint, eventType string, payload interface{}, excludeConnID string) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		m.logger.Error("事件序列化失败", zap.String("event", eventType), zap.Error(err))
		return
	}

	m.lock.RLock()
	room := m.rooms[conversationID]
	targets := make([]*Client, 0, len(room))
	for connID, client := range room {
		if connID == excludeConnID {
			continue
		}
		targets = append(targets, client)
	}
	m.lock.RUnlock()

	for _, client := range targets {
		select {
		case client.Send <- frame:
		default:
			m.logger.Warn("连接发送缓冲已满，丢弃帧",
				zap.String("conn_id", client.ConnID),
				zap.Uint("user_id", client.UserID),
				zap.String("event", eventType))
		}
	}
}

// SendTo 向单个连接发送事件（错误回执等只回发送方的场景）
func (m *Manager) SendTo(connID string, eventType string, payload interface{}) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		m.logger.Error("事件序列化失败", zap.String("event", eventType), zap.Error(err))
		return
	}
	m.lock.RLock()
	client, ok := m.clients[connID]
	m.lock.RUnlock()
	if !ok {
		return
	}
	select {
	case client.Send <- frame:
	default:
	}
}

// ConnectedUserIDs 返回当前加入会话房间的去重用户ID列表
func (m *Manager) ConnectedUserIDs(conversationID uint) []uint {
	m.lock.RLock()
	defer m.lock.RUnlock()
	room := m.rooms[conversationID]
	seen := make(map[uint]struct{}, len(room))
	users := make([]uint, 0, len(room))
	for _, client := range room {
		if _, dup := seen[client.UserID]; dup {
			continue
		}
		seen[client.UserID] = struct{}{}
		users = append(users, client.UserID)
	}
	return users
}

// ConnectionCount 当前连接总数
func (m *Manager) ConnectionCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.clients)
}
