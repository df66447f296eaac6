package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// -------------------- 系统监控 --------------------

type SystemStats struct {
	Timestamp   time.Time
	MemoryUsage float64
	MemoryTotal uint64
	MemoryUsed  uint64
	Goroutines  int
}

type Monitor struct {
	stats    []SystemStats
	interval time.Duration
	stopChan chan struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{
		stats:    make([]SystemStats, 0, 512),
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func getMemoryUsage() (usagePercent float64, total, used uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total = m.Sys
	used = m.Alloc
	if total > 0 {
		usagePercent = float64(used) / float64(total) * 100
	}
	return
}

func (m *Monitor) collectStats() SystemStats {
	memUsage, memTotal, memUsed := getMemoryUsage()
	stats := SystemStats{
		Timestamp:   time.Now(),
		MemoryUsage: memUsage,
		MemoryTotal: memTotal,
		MemoryUsed:  memUsed,
		Goroutines:  runtime.NumGoroutine(),
	}
	m.stats = append(m.stats, stats)
	return stats
}

func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.printStats(m.collectStats())
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() { close(m.stopChan) }

func (m *Monitor) printStats(s SystemStats) {
	fmt.Printf("[%s] 内存: %.1f%% (%.1fMB/%.1fMB) | Goroutines: %d\n",
		s.Timestamp.Format("15:04:05"), s.MemoryUsage,
		float64(s.MemoryUsed)/1024/1024, float64(s.MemoryTotal)/1024/1024,
		s.Goroutines,
	)
}

func (m *Monitor) GenerateReport() {
	if len(m.stats) == 0 {
		fmt.Println("没有监控数据")
		return
	}
	var sumMem float64
	var sumGo int
	var maxMem float64
	var maxGo int
	for _, s := range m.stats {
		sumMem += s.MemoryUsage
		sumGo += s.Goroutines
		if s.MemoryUsage > maxMem {
			maxMem = s.MemoryUsage
		}
		if s.Goroutines > maxGo {
			maxGo = s.Goroutines
		}
	}
	n := float64(len(m.stats))
	fmt.Println("\n=== 系统监控报告 ===")
	fmt.Printf("持续: %v\n", m.stats[len(m.stats)-1].Timestamp.Sub(m.stats[0].Timestamp))
	fmt.Printf("平均内存: %.1f%%, 峰值内存: %.1f%%\n", sumMem/n, maxMem)
	fmt.Printf("平均Goroutine: %d, 峰值Goroutine: %d\n", int(float64(sumGo)/n+0.5), maxGo)
}

// -------------------- WebSocket 压测 --------------------

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type WSBenchStats struct {
	Connected     int64
	ConnectFailed int64
	FramesSent    int64
	FramesRecv    int64
	SendFailed    int64
}

// runWSBench 建立 N 条 WebSocket 连接，每条加入会话后周期性发送消息与心跳
func runWSBench(wsURL, token string, connections, messagesPerConn int, conversationID uint, stats *WSBenchStats) {
	fmt.Println("\n=== WebSocket 并发测试开始 ===")
	fmt.Printf("目标: %s 连接数: %d 每连接消息: %d 会话: %d\n", wsURL, connections, messagesPerConn, conversationID)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < connections; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
			if err != nil {
				atomic.AddInt64(&stats.ConnectFailed, 1)
				return
			}
			defer conn.Close()
			atomic.AddInt64(&stats.Connected, 1)

			// 后台读协程统计收到的帧
			go func() {
				for {
					var env envelope
					if err := conn.ReadJSON(&env); err != nil {
						return
					}
					atomic.AddInt64(&stats.FramesRecv, 1)
				}
			}()

			// 加入会话
			join := map[string]interface{}{
				"type": "conversation.join",
				"data": map[string]uint{"conversation_id": conversationID},
			}
			if err := conn.WriteJSON(join); err != nil {
				atomic.AddInt64(&stats.SendFailed, 1)
				return
			}
			atomic.AddInt64(&stats.FramesSent, 1)

			for j := 0; j < messagesPerConn; j++ {
				send := map[string]interface{}{
					"type": "message.send",
					"data": map[string]interface{}{
						"conversation_id": conversationID,
						"content":         fmt.Sprintf("bench message %d-%d", id, j),
						"client_msg_id":   fmt.Sprintf("bench-%d-%d-%d", start.UnixNano(), id, j),
					},
				}
				if err := conn.WriteJSON(send); err != nil {
					atomic.AddInt64(&stats.SendFailed, 1)
					return
				}
				atomic.AddInt64(&stats.FramesSent, 1)

				// 间隔穿插心跳，模拟真实客户端节奏
				if j%5 == 4 {
					hb := map[string]interface{}{"type": "heartbeat"}
					if err := conn.WriteJSON(hb); err != nil {
						return
					}
					atomic.AddInt64(&stats.FramesSent, 1)
				}
				time.Sleep(20 * time.Millisecond)
			}

			// 留一点时间收尾部广播
			time.Sleep(500 * time.Millisecond)
		}(i)
	}

	wg.Wait()
	took := time.Since(start)

	fmt.Println("\n=== WebSocket 测试结果 ===")
	fmt.Printf("耗时: %v\n", took)
	fmt.Printf("连接成功: %d 连接失败: %d\n", stats.Connected, stats.ConnectFailed)
	fmt.Printf("发送帧: %d 接收帧: %d 发送失败: %d\n", stats.FramesSent, stats.FramesRecv, stats.SendFailed)
	if took > 0 {
		fmt.Printf("发送速率: %.2f 帧/秒\n", float64(stats.FramesSent)/took.Seconds())
	}
}

// -------------------- HTTP 冒烟 --------------------

func httpSmoke(base string) {
	client := &http.Client{Timeout: 8 * time.Second}
	for _, path := range []string{"/", "/health"} {
		start := time.Now()
		resp, err := client.Get(base + path)
		if err != nil {
			fmt.Printf("GET %s 失败: %v\n", path, err)
			continue
		}
		resp.Body.Close()
		fmt.Printf("GET %s -> %d (%v)\n", path, resp.StatusCode, time.Since(start))
	}
}

// -------------------- 入口 --------------------

func main() {
	connections := argInt(1, 10)
	messagesPerConn := argInt(2, 20)
	conversationID := uint(argInt(3, 1))

	baseURL := envOr("BENCH_BASE_URL", "http://localhost:8080")
	wsURL := envOr("BENCH_WS_URL", "ws://localhost:8080/ws")
	token := os.Getenv("BENCH_TOKEN")
	if token == "" {
		fmt.Println("缺少 BENCH_TOKEN 环境变量（网关签发的测试令牌）")
		os.Exit(1)
	}

	fmt.Println("=== 消息同步服务压测 ===")
	fmt.Printf("开始时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Printf("目标: %s 连接: %d 每连接消息: %d\n", baseURL, connections, messagesPerConn)

	httpSmoke(baseURL)

	mon := NewMonitor(1 * time.Second)
	mon.Start()

	stats := &WSBenchStats{}
	runWSBench(wsURL, token, connections, messagesPerConn, conversationID, stats)

	mon.Stop()
	mon.GenerateReport()

	fmt.Println("\n=== 测试完成 ===")
}

func argInt(pos, def int) int {
	if len(os.Args) > pos {
		if v, err := strconv.Atoi(os.Args[pos]); err == nil {
			return v
		}
	}
	return def
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
