package localcache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DeltaSource 服务端增量消息来源
// 返回指定消息之后的消息，按创建顺序升序；返回条数小于 limit 表示已追平
type DeltaSource interface {
	DeltaSince(ctx context.Context, conversationID, afterID uint, limit int) ([]*CachedMessage, error)
}

// Reconciler 缓存对账器
// 从本地高水位开始向服务端拉增量，合并进缓存
type Reconciler struct {
	cache    *Cache
	source   DeltaSource
	pageSize int
	logger   *zap.Logger
}

// NewReconciler 创建对账器
func NewReconciler(cache *Cache, source DeltaSource, pageSize int, logger *zap.Logger) *Reconciler {
	if pageSize <= 0 {
		pageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cache:    cache,
		source:   source,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Reconcile 把会话同步到服务端当前状态，返回合并的消息条数
func (r *Reconciler) Reconcile(ctx context.Context, conversationID uint) (int, error) {
	merged := 0
	after := r.cache.HighWaterMark(conversationID)

	for {
		batch, err := r.source.DeltaSince(ctx, conversationID, after, r.pageSize)
		if err != nil {
			return merged, fmt.Errorf("拉取增量失败: %w", err)
		}
		for _, msg := range batch {
			r.cache.UpsertMessage(msg)
			if msg.ID > after {
				after = msg.ID
			}
			merged++
		}
		if len(batch) < r.pageSize {
			break
		}
	}

	if merged > 0 {
		r.logger.Debug("会话对账完成",
			zap.Uint("conversation_id", conversationID),
			zap.Int("merged", merged))
	}
	return merged, nil
}
