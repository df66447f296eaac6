package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/isopen-io/meeshy-sync/config"
	"github.com/isopen-io/meeshy-sync/internal/repository"
)

// memoryTranslationCache 翻译缓存的内存实现，行为对齐 Redis 实现
type memoryTranslationCache struct {
	mu       sync.Mutex
	values   map[string]string
	inflight map[string]bool
	failed   map[string]bool
}

func newMemoryTranslationCache() *memoryTranslationCache {
	return &memoryTranslationCache{
		values:   make(map[string]string),
		inflight: make(map[string]bool),
		failed:   make(map[string]bool),
	}
}

func cacheKey(messageID uint, lang string) string {
	return fmt.Sprintf("%d:%s", messageID, lang)
}

func (c *memoryTranslationCache) Lookup(messageID uint, lang string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.values[cacheKey(messageID, lang)]
	return text, ok
}

func (c *memoryTranslationCache) Store(messageID uint, lang, text string, _ float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[cacheKey(messageID, lang)] = text
	delete(c.inflight, cacheKey(messageID, lang))
	return nil
}

func (c *memoryTranslationCache) TryAcquire(messageID uint, lang string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(messageID, lang)
	if c.inflight[key] {
		return false, nil
	}
	c.inflight[key] = true
	return true, nil
}

func (c *memoryTranslationCache) Release(messageID uint, lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, cacheKey(messageID, lang))
}

func (c *memoryTranslationCache) MarkFailed(messageID uint, lang string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(messageID, lang)
	c.failed[key] = true
	delete(c.inflight, key)
	return nil
}

func (c *memoryTranslationCache) IsFailed(messageID uint, lang string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[cacheKey(messageID, lang)]
}

func (c *memoryTranslationCache) Invalidate(messageID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := fmt.Sprintf("%d:", messageID)
	for key := range c.values {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.values, key)
		}
	}
	for key := range c.failed {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.failed, key)
		}
	}
	return nil
}

var _ TranslationCache = (*memoryTranslationCache)(nil)

// fakeTranslator 可编程的翻译替身
type fakeTranslator struct {
	mu     sync.Mutex
	calls  int
	err    error
	result TranslationResult
}

func (f *fakeTranslator) Translate(_ context.Context, _ TranslationRequest) (TranslationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return TranslationResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testTranslationConfig() config.TranslationConfig {
	return config.TranslationConfig{
		Workers:        2,
		QueueSize:      16,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		RequestTimeout: time.Second,
	}
}

// waitFor 在限定时间内轮询条件
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestEnqueue_ConcurrentDedup(t *testing.T) {
	cache := newMemoryTranslationCache()
	translator := &fakeTranslator{result: TranslationResult{TranslatedText: "bonjour"}}
	fb := &fakeBroadcaster{}
	messages := repository.NewMemoryMessageStore()
	msg := newTestMessage(t, messages, 1, 10, time.Now())

	svc := NewTranslationService(cache, translator, fb, messages, testTranslationConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	job := TranslationRequest{
		MessageID:      msg.ID,
		ConversationID: 1,
		SourceText:     "hello",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Enqueue(job)
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool {
		_, hit := cache.Lookup(msg.ID, "fr")
		return hit
	})

	// 同一 (消息, 语言) 并发入队只应触发一次外部调用
	if got := translator.callCount(); got != 1 {
		t.Errorf("期望外部翻译只调用 1 次，实际 %d", got)
	}
	if got := fb.countType("message.translation"); got < 1 {
		t.Error("期望翻译就绪事件已广播")
	}
}

func TestEnqueue_CachedResultBroadcastsWithoutCall(t *testing.T) {
	cache := newMemoryTranslationCache()
	_ = cache.Store(5, "fr", "bonjour", 0.95)
	translator := &fakeTranslator{}
	fb := &fakeBroadcaster{}
	messages := repository.NewMemoryMessageStore()

	svc := NewTranslationService(cache, translator, fb, messages, testTranslationConfig(), nil)

	svc.Enqueue(TranslationRequest{MessageID: 5, ConversationID: 1, TargetLanguage: "fr"})

	if translator.callCount() != 0 {
		t.Errorf("期望缓存命中时不调用翻译服务，实际调用 %d 次", translator.callCount())
	}
	if got := fb.countType("message.translation"); got != 1 {
		t.Errorf("期望 1 次翻译就绪广播，实际 %d", got)
	}
}

func TestEnqueue_FailedMarkerDropsRequest(t *testing.T) {
	cache := newMemoryTranslationCache()
	_ = cache.MarkFailed(5, "fr")
	translator := &fakeTranslator{}
	fb := &fakeBroadcaster{}
	messages := repository.NewMemoryMessageStore()

	svc := NewTranslationService(cache, translator, fb, messages, testTranslationConfig(), nil)

	svc.Enqueue(TranslationRequest{MessageID: 5, ConversationID: 1, TargetLanguage: "fr"})

	if translator.callCount() != 0 {
		t.Errorf("期望已失败的请求被丢弃，实际调用 %d 次", translator.callCount())
	}
	if len(fb.eventTypes()) != 0 {
		t.Errorf("期望没有任何广播，实际 %v", fb.eventTypes())
	}
}

func TestProcess_RetryExhaustionMarksFailed(t *testing.T) {
	cache := newMemoryTranslationCache()
	translator := &fakeTranslator{err: errors.New("translator down")}
	fb := &fakeBroadcaster{}
	messages := repository.NewMemoryMessageStore()
	msg := newTestMessage(t, messages, 1, 10, time.Now())

	svc := NewTranslationService(cache, translator, fb, messages, testTranslationConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	svc.Enqueue(TranslationRequest{
		MessageID:      msg.ID,
		ConversationID: 1,
		SourceText:     "hello",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})

	waitFor(t, 2*time.Second, func() bool { return cache.IsFailed(msg.ID, "fr") })

	// MaxAttempts=2：恰好两次尝试后放弃
	if got := translator.callCount(); got != 2 {
		t.Errorf("期望重试 2 次后放弃，实际调用 %d 次", got)
	}
	if got := fb.countType("message.translation_failed"); got != 1 {
		t.Errorf("期望 1 次翻译失败广播，实际 %d", got)
	}
	if got := fb.countType("message.translation"); got != 0 {
		t.Errorf("期望没有翻译就绪广播，实际 %d", got)
	}
}

func TestDeliver_DeletedMessageDropped(t *testing.T) {
	cache := newMemoryTranslationCache()
	translator := &fakeTranslator{result: TranslationResult{TranslatedText: "bonjour"}}
	fb := &fakeBroadcaster{}
	messages := repository.NewMemoryMessageStore()
	msg := newTestMessage(t, messages, 1, 10, time.Now())

	// 翻译完成前消息已被删除
	if err := messages.SoftDelete(context.Background(), msg.ID); err != nil {
		t.Fatal(err)
	}

	svc := NewTranslationService(cache, translator, fb, messages, testTranslationConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Enqueue(TranslationRequest{
		MessageID:      msg.ID,
		ConversationID: 1,
		SourceText:     "hello",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})

	svc.Stop()

	if _, hit := cache.Lookup(msg.ID, "fr"); hit {
		t.Error("期望已删除消息的翻译不入缓存")
	}
	if got := fb.countType("message.translation"); got != 0 {
		t.Errorf("期望已删除消息的翻译不广播，实际 %d 次", got)
	}
	// in-flight 标记应被释放，后续重入队不被卡死
	if acquired, _ := cache.TryAcquire(msg.ID, "fr"); !acquired {
		t.Error("期望 in-flight 标记已释放")
	}
}

func TestDeliver_EditedMessageDropped(t *testing.T) {
	cache := newMemoryTranslationCache()
	translator := &fakeTranslator{result: TranslationResult{TranslatedText: "bonjour"}}
	fb := &fakeBroadcaster{}
	messages := repository.NewMemoryMessageStore()
	msg := newTestMessage(t, messages, 1, 10, time.Now())

	// 翻译完成前消息内容已被编辑，旧文本的译文必须作废
	msg.Content = "hello again"
	msg.IsEdited = true
	if err := messages.Update(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	svc := NewTranslationService(cache, translator, fb, messages, testTranslationConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Enqueue(TranslationRequest{
		MessageID:      msg.ID,
		ConversationID: 1,
		SourceText:     "hello",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})

	svc.Stop()

	if _, hit := cache.Lookup(msg.ID, "fr"); hit {
		t.Error("期望编辑前文本的翻译不入缓存")
	}
	if got := fb.countType("message.translation"); got != 0 {
		t.Errorf("期望编辑前文本的翻译不广播，实际 %d 次", got)
	}
	if acquired, _ := cache.TryAcquire(msg.ID, "fr"); !acquired {
		t.Error("期望 in-flight 标记已释放")
	}
}

func TestInvalidate_ClearsCachedTranslations(t *testing.T) {
	cache := newMemoryTranslationCache()
	_ = cache.Store(5, "fr", "bonjour", 0.95)
	_ = cache.Store(5, "es", "hola", 0.9)
	_ = cache.Store(6, "fr", "salut", 0.9)
	messages := repository.NewMemoryMessageStore()

	svc := NewTranslationService(cache, &fakeTranslator{}, &fakeBroadcaster{}, messages, testTranslationConfig(), nil)
	svc.Invalidate(5)

	if _, hit := cache.Lookup(5, "fr"); hit {
		t.Error("期望消息 5 的法语翻译已失效")
	}
	if _, hit := cache.Lookup(5, "es"); hit {
		t.Error("期望消息 5 的西语翻译已失效")
	}
	if _, hit := cache.Lookup(6, "fr"); !hit {
		t.Error("期望其他消息的翻译不受影响")
	}
}
