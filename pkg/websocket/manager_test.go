package websocket

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/isopen-io/meeshy-sync/pkg/protocol"
)

func newTestClient(userID uint, buffer int) *Client {
	return NewClient(userID, nil, buffer)
}

// drainFrames 取出客户端当前缓冲的全部帧
func drainFrames(t *testing.T, client *Client) []protocol.Envelope {
	t.Helper()
	var frames []protocol.Envelope
	for {
		select {
		case raw, ok := <-client.Send:
			if !ok {
				return frames
			}
			var env protocol.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("帧解析失败: %v", err)
			}
			frames = append(frames, env)
		default:
			return frames
		}
	}
}

func TestBroadcast_DeliversToRoomExceptExcluded(t *testing.T) {
	m := NewManager(nil)

	sender := newTestClient(10, 8)
	peer := newTestClient(20, 8)
	outsider := newTestClient(30, 8)
	for _, c := range []*Client{sender, peer, outsider} {
		m.Register(c)
	}
	m.Join(1, sender.ConnID)
	m.Join(1, peer.ConnID)
	// outsider 未加入会话 1

	m.Broadcast(1, protocol.EventMessageNew, &protocol.Message{ID: 1, ConversationID: 1}, sender.ConnID)

	if got := drainFrames(t, sender); len(got) != 0 {
		t.Errorf("期望被排除的连接收到 0 帧，实际 %d", len(got))
	}
	frames := drainFrames(t, peer)
	if len(frames) != 1 || frames[0].Type != protocol.EventMessageNew {
		t.Errorf("期望同会话成员收到 1 帧 message.new，实际 %v", frames)
	}
	if got := drainFrames(t, outsider); len(got) != 0 {
		t.Errorf("期望会话外连接收到 0 帧，实际 %d", len(got))
	}
}

func TestBroadcast_SkipsFullSendBuffer(t *testing.T) {
	m := NewManager(nil)

	slow := newTestClient(10, 1)
	fast := newTestClient(20, 8)
	m.Register(slow)
	m.Register(fast)
	m.Join(1, slow.ConnID)
	m.Join(1, fast.ConnID)

	// 占满慢连接的发送缓冲
	slow.Send <- []byte("{}")

	// 不应阻塞
	m.Broadcast(1, protocol.EventMessageNew, &protocol.Message{ID: 1, ConversationID: 1}, "")

	if got := drainFrames(t, fast); len(got) != 1 {
		t.Errorf("期望快连接仍收到 1 帧，实际 %d", len(got))
	}
}

func TestJoinLeave_Idempotent(t *testing.T) {
	m := NewManager(nil)

	client := newTestClient(10, 8)
	m.Register(client)

	m.Join(1, client.ConnID)
	m.Join(1, client.ConnID) // 重复加入

	if got := m.ConnectedUserIDs(1); len(got) != 1 {
		t.Errorf("期望重复加入后只有 1 个用户，实际 %v", got)
	}

	m.Leave(1, client.ConnID)
	m.Leave(1, client.ConnID) // 重复退出

	if got := m.ConnectedUserIDs(1); len(got) != 0 {
		t.Errorf("期望退出后房间为空，实际 %v", got)
	}
}

func TestUnregister_RemovesFromAllRooms(t *testing.T) {
	m := NewManager(nil)

	client := newTestClient(10, 8)
	m.Register(client)
	m.Join(1, client.ConnID)
	m.Join(2, client.ConnID)

	m.Unregister(client.ConnID)

	if got := m.ConnectedUserIDs(1); len(got) != 0 {
		t.Errorf("期望注销后退出会话 1，实际 %v", got)
	}
	if got := m.ConnectedUserIDs(2); len(got) != 0 {
		t.Errorf("期望注销后退出会话 2，实际 %v", got)
	}
	if got := m.ConnectionCount(); got != 0 {
		t.Errorf("期望连接数 0，实际 %d", got)
	}

	// 注销后的广播不会送达（Send 已关闭，且不在任何房间）
	m.Broadcast(1, protocol.EventMessageNew, &protocol.Message{ID: 1}, "")

	// 重复注销不会 panic
	m.Unregister(client.ConnID)
}

func TestConnectedUserIDs_DedupAcrossConnections(t *testing.T) {
	m := NewManager(nil)

	// 同一用户的两条连接（多端登录）
	connA := newTestClient(10, 8)
	connB := newTestClient(10, 8)
	other := newTestClient(20, 8)
	for _, c := range []*Client{connA, connB, other} {
		m.Register(c)
		m.Join(1, c.ConnID)
	}

	got := m.ConnectedUserIDs(1)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Errorf("期望去重后用户 [10 20]，实际 %v", got)
	}

	// 多端之一断开，用户仍在线
	m.Unregister(connA.ConnID)
	got = m.ConnectedUserIDs(1)
	if len(got) != 2 {
		t.Errorf("期望另一端仍在线，实际 %v", got)
	}
}

func TestSendTo_TargetsSingleConnection(t *testing.T) {
	m := NewManager(nil)

	target := newTestClient(10, 8)
	bystander := newTestClient(20, 8)
	m.Register(target)
	m.Register(bystander)

	m.SendTo(target.ConnID, protocol.EventError, &protocol.ErrorPayload{Code: "invalid_message", Message: "内容为空"})

	frames := drainFrames(t, target)
	if len(frames) != 1 || frames[0].Type != protocol.EventError {
		t.Errorf("期望目标连接收到 1 帧 error，实际 %v", frames)
	}
	if got := drainFrames(t, bystander); len(got) != 0 {
		t.Errorf("期望其他连接收到 0 帧，实际 %d", len(got))
	}

	// 未知连接不会 panic
	m.SendTo("no-such-conn", protocol.EventError, nil)
}
