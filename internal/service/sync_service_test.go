package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/isopen-io/meeshy-sync/internal/model"
	"github.com/isopen-io/meeshy-sync/internal/repository"
)

func newSyncFixture(t *testing.T, messageCount int) (*SyncService, []*model.Message) {
	t.Helper()
	ctx := context.Background()
	messages := repository.NewMemoryMessageStore()
	members := repository.NewMemoryMemberStore()
	if err := members.Add(ctx, &model.ConversationMember{ConversationID: 1, UserID: 10, PreferredLanguage: "en"}); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	created := make([]*model.Message, 0, messageCount)
	for i := 0; i < messageCount; i++ {
		created = append(created, newTestMessage(t, messages, 1, 10, base.Add(time.Duration(i)*time.Second)))
	}
	return NewSyncService(messages, members, nil), created
}

func TestDeltaSince_ReturnsMessagesAfterWatermark(t *testing.T) {
	ctx := context.Background()
	svc, created := newSyncFixture(t, 5)

	delta, err := svc.DeltaSince(ctx, 10, 1, created[1].ID, 50)
	if err != nil {
		t.Fatalf("DeltaSince failed: %v", err)
	}

	if len(delta) != 3 {
		t.Fatalf("期望 3 条增量消息，实际 %d", len(delta))
	}
	// 升序返回
	for i, msg := range delta {
		want := created[i+2].ID
		if msg.ID != want {
			t.Errorf("位置 %d 期望消息 %d，实际 %d", i, want, msg.ID)
		}
	}
}

func TestDeltaSince_ZeroWatermarkReturnsFromStart(t *testing.T) {
	ctx := context.Background()
	svc, created := newSyncFixture(t, 3)

	delta, err := svc.DeltaSince(ctx, 10, 1, 0, 50)
	if err != nil {
		t.Fatalf("DeltaSince failed: %v", err)
	}
	if len(delta) != 3 {
		t.Fatalf("期望全部 3 条消息，实际 %d", len(delta))
	}
	if delta[0].ID != created[0].ID {
		t.Errorf("期望从最早消息开始，实际首条 %d", delta[0].ID)
	}
}

func TestDeltaSince_CaughtUpReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	svc, created := newSyncFixture(t, 3)

	delta, err := svc.DeltaSince(ctx, 10, 1, created[2].ID, 50)
	if err != nil {
		t.Fatalf("DeltaSince failed: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("期望已追平时返回空，实际 %d 条", len(delta))
	}
}

func TestDeltaSince_LimitClamped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSyncFixture(t, 5)

	delta, err := svc.DeltaSince(ctx, 10, 1, 0, 2)
	if err != nil {
		t.Fatalf("DeltaSince failed: %v", err)
	}
	if len(delta) != 2 {
		t.Errorf("期望受 limit 限制返回 2 条，实际 %d", len(delta))
	}
}

func TestDeltaSince_NonMemberRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSyncFixture(t, 3)

	if _, err := svc.DeltaSince(ctx, 99, 1, 0, 50); !errors.Is(err, ErrNotMember) {
		t.Errorf("期望 ErrNotMember，实际 %v", err)
	}
}

func TestBackfill_NewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, created := newSyncFixture(t, 5)

	page, err := svc.Backfill(ctx, 10, 1, 2, 0)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("期望 2 条，实际 %d", len(page))
	}
	if page[0].ID != created[4].ID || page[1].ID != created[3].ID {
		t.Errorf("期望最新在前 [%d %d]，实际 [%d %d]", created[4].ID, created[3].ID, page[0].ID, page[1].ID)
	}

	// 第二页
	page2, err := svc.Backfill(ctx, 10, 1, 2, 2)
	if err != nil {
		t.Fatalf("Backfill 第二页 failed: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != created[2].ID {
		t.Errorf("期望第二页从 %d 开始，实际 %v", created[2].ID, page2)
	}
}
