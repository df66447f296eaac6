package service

import (
	"hash/fnv"
	"sync"
)

// keyedMutex 按键分片的互斥锁
// 同一键上的操作串行，不同键（不同会话/不同用户游标）互不阻塞
type keyedMutex struct {
	stripes [64]sync.Mutex
}

// lock 锁住键所在的分片，返回解锁函数
func (m *keyedMutex) lock(parts ...uint) func() {
	h := fnv.New32a()
	var buf [4]byte
	for _, p := range parts {
		buf[0] = byte(p)
		buf[1] = byte(p >> 8)
		buf[2] = byte(p >> 16)
		buf[3] = byte(p >> 24)
		_, _ = h.Write(buf[:])
	}
	stripe := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	stripe.Lock()
	return stripe.Unlock
}

// hashString 把字符串键折叠为分片键
func hashString(s string) uint {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return uint(h.Sum32())
}
