package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ReactionSource 表情状态来源
// 表情本身由外部服务维护，本服务只负责按需查询并透传给客户端
type ReactionSource interface {
	// Reactions 返回消息的表情状态：emoji -> 用户ID列表
	Reactions(ctx context.Context, messageID uint) (map[string][]uint, error)
}

// HTTPReactionSource 基于 HTTP 的表情来源实现
type HTTPReactionSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPReactionSource 创建 HTTP 表情来源
func NewHTTPReactionSource(baseURL string, timeout time.Duration) *HTTPReactionSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReactionSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Reactions 查询一条消息的表情状态
func (s *HTTPReactionSource) Reactions(ctx context.Context, messageID uint) (map[string][]uint, error) {
	url := fmt.Sprintf("%s/messages/%d/reactions", s.baseURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("查询表情状态失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("表情服务返回 %d", resp.StatusCode)
	}

	var body struct {
		Reactions map[string][]uint `json:"reactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("解析表情状态失败: %w", err)
	}
	if body.Reactions == nil {
		body.Reactions = map[string][]uint{}
	}
	return body.Reactions, nil
}

var _ ReactionSource = (*HTTPReactionSource)(nil)
