package redis

import (
	"encoding/json"
	"fmt"
	"time"
)

// 翻译缓存相关常量
const (
	TranslationKeyPrefix = "meeshy:trans:"          // 翻译结果key前缀
	InflightKeyPrefix    = "meeshy:trans:inflight:" // 进行中标记key前缀
	FailedKeyPrefix      = "meeshy:trans:failed:"   // 失败标记key前缀

	InflightTTL = 2 * time.Minute // 进行中标记TTL（防止崩溃后永久占位）
	FailedTTL   = 1 * time.Hour   // 失败标记TTL（到期后允许重新请求）
)

// TranslationEntry 缓存的翻译条目
// 每个 (消息ID, 目标语言) 至多一条；源消息被编辑时整体失效
type TranslationEntry struct {
	TranslatedText string    `json:"translated_text"`
	Confidence     float64   `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TranslationCache 基于Redis的翻译缓存
// 同时承担去重职责：in-flight 标记保证同一 (消息, 语言) 只有一个外部请求在途
type TranslationCache struct {
	client *Client
	ttl    time.Duration
}

// NewTranslationCache 创建翻译缓存
func NewTranslationCache(client *Client, ttl time.Duration) *TranslationCache {
	return &TranslationCache{client: client, ttl: ttl}
}

// valueKey 翻译结果key
func valueKey(messageID uint, lang string) string {
	return fmt.Sprintf("%s%d:%s", TranslationKeyPrefix, messageID, lang)
}

// inflightKey 进行中标记key
func inflightKey(messageID uint, lang string) string {
	return fmt.Sprintf("%s%d:%s", InflightKeyPrefix, messageID, lang)
}

// failedKey 失败标记key
func failedKey(messageID uint, lang string) string {
	return fmt.Sprintf("%s%d:%s", FailedKeyPrefix, messageID, lang)
}

// Lookup 查询缓存的翻译
func (tc *TranslationCache) Lookup(messageID uint, lang string) (string, bool) {
	data, err := tc.client.Get(valueKey(messageID, lang))
	if err != nil {
		return "", false
	}

	var entry TranslationEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return "", false
	}
	return entry.TranslatedText, true
}

// Store 写入翻译结果（幂等覆盖），并清除进行中/失败标记
func (tc *TranslationCache) Store(messageID uint, lang, text string, confidence float64) error {
	entry := TranslationEntry{
		TranslatedText: text,
		Confidence:     confidence,
		CreatedAt:      time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化翻译条目失败: %w", err)
	}

	if err := tc.client.Set(valueKey(messageID, lang), data, tc.ttl); err != nil {
		return fmt.Errorf("写入翻译缓存失败: %w", err)
	}

	_ = tc.client.Del(inflightKey(messageID, lang), failedKey(messageID, lang))
	return nil
}

// TryAcquire 抢占 (消息, 语言) 的翻译权
// 返回 false 表示已有请求在途，调用方应丢弃本次入队
func (tc *TranslationCache) TryAcquire(messageID uint, lang string) (bool, error) {
	return tc.client.SetNX(inflightKey(messageID, lang), 1, InflightTTL)
}

// Release 释放进行中标记（外部调用失败且还会重试时不释放）
func (tc *TranslationCache) Release(messageID uint, lang string) {
	_ = tc.client.Del(inflightKey(messageID, lang))
}

// MarkFailed 标记该键翻译失败（重试耗尽）
func (tc *TranslationCache) MarkFailed(messageID uint, lang string) error {
	if err := tc.client.Set(failedKey(messageID, lang), 1, FailedTTL); err != nil {
		return fmt.Errorf("写入失败标记失败: %w", err)
	}
	tc.Release(messageID, lang)
	return nil
}

// IsFailed 判断该键是否已标记为失败
func (tc *TranslationCache) IsFailed(messageID uint, lang string) bool {
	n, err := tc.client.Exists(failedKey(messageID, lang))
	return err == nil && n > 0
}

// Invalidate 使某条消息的全部翻译失效（消息被编辑或删除时调用）
func (tc *TranslationCache) Invalidate(messageID uint) error {
	patterns := []string{
		fmt.Sprintf("%s%d:*", TranslationKeyPrefix, messageID),
		fmt.Sprintf("%s%d:*", InflightKeyPrefix, messageID),
		fmt.Sprintf("%s%d:*", FailedKeyPrefix, messageID),
	}

	for _, pattern := range patterns {
		keys, err := tc.client.ScanKeys(pattern)
		if err != nil {
			return err
		}
		if err := tc.client.Del(keys...); err != nil {
			return fmt.Errorf("删除翻译缓存失败: %w", err)
		}
	}
	return nil
}
