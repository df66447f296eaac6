package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/isopen-io/meeshy-sync/internal/model"
	"github.com/isopen-io/meeshy-sync/internal/repository"
)

// ingestFixture 组装一套基于内存存储的消息接收服务
type ingestFixture struct {
	messages *repository.MemoryMessageStore
	members  *repository.MemoryMemberStore
	cursors  *repository.MemoryCursorStore
	fb       *fakeBroadcaster
	ingest   *MessageIngestService
}

func newIngestFixture(t *testing.T, memberUserIDs ...uint) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		messages: repository.NewMemoryMessageStore(),
		members:  repository.NewMemoryMemberStore(),
		cursors:  repository.NewMemoryCursorStore(),
		fb:       &fakeBroadcaster{},
	}
	for _, userID := range memberUserIDs {
		err := f.members.Add(context.Background(), &model.ConversationMember{
			ConversationID:    1,
			UserID:            userID,
			PreferredLanguage: "en",
		})
		if err != nil {
			t.Fatalf("添加测试成员失败: %v", err)
		}
	}
	tracker := NewCursorTracker(f.cursors, f.messages, f.fb, nil)
	f.ingest = NewMessageIngestService(f.messages, f.members, tracker, f.fb, nil, nil)
	return f
}

func TestSend_PersistsThenBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10, 20)

	msg, err := f.ingest.Send(ctx, 10, SendRequest{
		ConversationID:   1,
		Content:          "hello world",
		OriginalLanguage: "en",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("期望持久化后分配消息ID")
	}

	stored, err := f.messages.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Content != "hello world" {
		t.Errorf("期望内容 'hello world'，实际 %q", stored.Content)
	}

	types := f.fb.eventTypes()
	if len(types) == 0 || types[0] != "message.new" {
		t.Errorf("期望首个广播为 message.new，实际 %v", types)
	}
}

func TestSend_NonMemberRejectedWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10)

	_, err := f.ingest.Send(ctx, 99, SendRequest{
		ConversationID: 1,
		Content:        "intruder",
	})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("期望 ErrInvalidMessage，实际 %v", err)
	}
	if !errors.Is(err, ErrNotMember) {
		t.Errorf("期望错误包含 ErrNotMember，实际 %v", err)
	}

	// 校验失败：不落库、不广播
	recent, _ := f.messages.ListRecent(ctx, 1, 10, 0)
	if len(recent) != 0 {
		t.Errorf("期望没有消息被持久化，实际 %d 条", len(recent))
	}
	if len(f.fb.eventTypes()) != 0 {
		t.Errorf("期望没有广播，实际 %v", f.fb.eventTypes())
	}
}

func TestSend_ContentValidation(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10)

	tests := []struct {
		name    string
		content string
	}{
		{"空内容", ""},
		{"仅空白", "   \n\t"},
		{"超长内容", strings.Repeat("你", model.MaxContentLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ingest.Send(ctx, 10, SendRequest{
				ConversationID: 1,
				Content:        tt.content,
			})
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("期望 ErrInvalidMessage，实际 %v", err)
			}
		})
	}

	// 恰好达到上限的内容可以通过
	if _, err := f.ingest.Send(ctx, 10, SendRequest{
		ConversationID: 1,
		Content:        strings.Repeat("你", model.MaxContentLength),
	}); err != nil {
		t.Errorf("期望上限长度的内容通过校验，实际 %v", err)
	}
}

func TestSend_ReplyToValidation(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10)

	// 另一个会话的消息
	if err := f.members.Add(ctx, &model.ConversationMember{ConversationID: 2, UserID: 10, PreferredLanguage: "en"}); err != nil {
		t.Fatal(err)
	}
	other, err := f.ingest.Send(ctx, 10, SendRequest{ConversationID: 2, Content: "elsewhere"})
	if err != nil {
		t.Fatal(err)
	}

	// 跨会话回复被拒绝
	_, err = f.ingest.Send(ctx, 10, SendRequest{
		ConversationID: 1,
		Content:        "reply",
		ReplyToID:      &other.ID,
	})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("期望跨会话回复被拒绝，实际 %v", err)
	}

	// 回复不存在的消息被拒绝
	missing := uint(9999)
	_, err = f.ingest.Send(ctx, 10, SendRequest{
		ConversationID: 1,
		Content:        "reply",
		ReplyToID:      &missing,
	})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("期望回复缺失目标被拒绝，实际 %v", err)
	}

	// 回复已删除的消息被拒绝
	victim, err := f.ingest.Send(ctx, 10, SendRequest{ConversationID: 1, Content: "to delete"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.ingest.Delete(ctx, 10, victim.ID); err != nil {
		t.Fatal(err)
	}
	_, err = f.ingest.Send(ctx, 10, SendRequest{
		ConversationID: 1,
		Content:        "reply",
		ReplyToID:      &victim.ID,
	})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("期望回复已删除消息被拒绝，实际 %v", err)
	}
}

func TestSend_ClientMsgIDReplayReturnsExisting(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10)

	first, err := f.ingest.Send(ctx, 10, SendRequest{
		ConversationID: 1,
		Content:        "once",
		ClientMsgID:    "client-abc",
	})
	if err != nil {
		t.Fatalf("首次发送失败: %v", err)
	}

	// 同一 (发送者, 客户端消息ID) 重放返回已有行
	replay, err := f.ingest.Send(ctx, 10, SendRequest{
		ConversationID: 1,
		Content:        "once",
		ClientMsgID:    "client-abc",
	})
	if err != nil {
		t.Fatalf("重放发送失败: %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("期望重放返回相同消息ID %d，实际 %d", first.ID, replay.ID)
	}

	recent, _ := f.messages.ListRecent(ctx, 1, 10, 0)
	if len(recent) != 1 {
		t.Errorf("期望只持久化 1 条消息，实际 %d 条", len(recent))
	}
}

func TestSend_ConcurrentReplayPersistsOnce(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10)

	// 同一 (发送者, 客户端消息ID) 并发重复投递，只允许持久化一行
	const senders = 8
	start := make(chan struct{})
	ids := make(chan uint, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			msg, err := f.ingest.Send(ctx, 10, SendRequest{
				ConversationID: 1,
				Content:        "dup",
				ClientMsgID:    "dup-1",
			})
			if err != nil {
				t.Errorf("并发发送失败: %v", err)
				return
			}
			ids <- msg.ID
		}()
	}
	close(start)
	wg.Wait()
	close(ids)

	var firstID uint
	for id := range ids {
		if firstID == 0 {
			firstID = id
		} else if id != firstID {
			t.Errorf("期望所有并发发送返回同一消息ID %d，实际 %d", firstID, id)
		}
	}

	recent, _ := f.messages.ListRecent(ctx, 1, 20, 0)
	if len(recent) != 1 {
		t.Errorf("期望同一 clientMsgID 只持久化 1 行，实际 %d 行", len(recent))
	}
}

func TestSend_AdvancesCursorsForConnectedUsers(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10, 20, 30)
	f.fb.connected = []uint{10, 20} // 30 不在线

	msg, err := f.ingest.Send(ctx, 10, SendRequest{ConversationID: 1, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	// 发送者与在线接收者的游标均已推进
	for _, userID := range []uint{10, 20} {
		cursor, err := f.cursors.Get(ctx, userID, 1)
		if err != nil {
			t.Fatalf("期望用户 %d 有游标: %v", userID, err)
		}
		if cursor.PointerMessageID != msg.ID {
			t.Errorf("期望用户 %d 指针为 %d，实际 %d", userID, msg.ID, cursor.PointerMessageID)
		}
	}
	// 离线成员没有游标
	if _, err := f.cursors.Get(ctx, 30, 1); err != repository.ErrCursorNotFound {
		t.Errorf("期望离线用户 30 无游标，实际 err=%v", err)
	}
}

func TestSend_EnqueuesTranslationPerDistinctLanguage(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)

	// 成员：发送者(en)、两个法语接收者、一个西语接收者、一个英语接收者
	langs := map[uint]string{10: "en", 20: "fr", 21: "fr", 22: "es", 23: "en"}
	for userID, lang := range langs {
		if err := f.members.Add(ctx, &model.ConversationMember{ConversationID: 1, UserID: userID, PreferredLanguage: lang}); err != nil {
			t.Fatal(err)
		}
	}
	f.fb.connected = []uint{10, 20, 21, 22, 23}

	cache := newMemoryTranslationCache()
	translator := &fakeTranslator{result: TranslationResult{TranslatedText: "translated"}}
	translations := NewTranslationService(cache, translator, f.fb, f.messages, testTranslationConfig(), nil)
	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	translations.Start(workerCtx)
	defer translations.Stop()

	tracker := NewCursorTracker(f.cursors, f.messages, f.fb, nil)
	ingest := NewMessageIngestService(f.messages, f.members, tracker, f.fb, translations, nil)

	msg, err := ingest.Send(ctx, 10, SendRequest{
		ConversationID:   1,
		Content:          "hello",
		OriginalLanguage: "en",
	})
	if err != nil {
		t.Fatal(err)
	}

	// 在线接收者的目标语言去重后为 {fr, es}；en 与原文相同不入队
	waitFor(t, 2*time.Second, func() bool {
		_, frHit := cache.Lookup(msg.ID, "fr")
		_, esHit := cache.Lookup(msg.ID, "es")
		return frHit && esHit
	})
	if got := translator.callCount(); got != 2 {
		t.Errorf("期望 2 次翻译调用（fr、es 各一次），实际 %d", got)
	}
	if _, hit := cache.Lookup(msg.ID, "en"); hit {
		t.Error("期望与原文相同的语言不触发翻译")
	}
}

func TestEdit_OnlySenderCanEdit(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10, 20)

	msg, err := f.ingest.Send(ctx, 10, SendRequest{ConversationID: 1, Content: "original"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.ingest.Edit(ctx, 20, msg.ID, "hijacked"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("期望非发送者编辑被拒绝，实际 %v", err)
	}

	edited, err := f.ingest.Edit(ctx, 10, msg.ID, "updated")
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if !edited.IsEdited || edited.EditedAt == nil {
		t.Error("期望编辑标记与编辑时间已设置")
	}
	if edited.Content != "updated" {
		t.Errorf("期望内容 'updated'，实际 %q", edited.Content)
	}
	if got := f.fb.countType("message.edited"); got != 1 {
		t.Errorf("期望 1 次 message.edited 广播，实际 %d", got)
	}
}

func TestDelete_SoftDeletesAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, 10, 20)

	msg, err := f.ingest.Send(ctx, 10, SendRequest{ConversationID: 1, Content: "doomed"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.ingest.Delete(ctx, 20, msg.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("期望非发送者删除被拒绝，实际 %v", err)
	}

	if err := f.ingest.Delete(ctx, 10, msg.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := f.messages.GetByID(ctx, msg.ID); err != repository.ErrMessageNotFound {
		t.Errorf("期望软删除后查询返回 ErrMessageNotFound，实际 %v", err)
	}
	if got := f.fb.countType("message.deleted"); got != 1 {
		t.Errorf("期望 1 次 message.deleted 广播，实际 %d", got)
	}
}
