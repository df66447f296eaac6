package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTranslator 基于 HTTP 的外部翻译服务客户端
type HTTPTranslator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTranslator 创建翻译客户端
func NewHTTPTranslator(endpoint string, timeout time.Duration) *HTTPTranslator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTranslator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Translate 请求一次翻译
func (t *HTTPTranslator) Translate(ctx context.Context, req TranslationRequest) (TranslationResult, error) {
	body, err := json.Marshal(map[string]string{
		"text":            req.SourceText,
		"source_language": req.SourceLanguage,
		"target_language": req.TargetLanguage,
	})
	if err != nil {
		return TranslationResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/translate", bytes.NewReader(body))
	if err != nil {
		return TranslationResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return TranslationResult{}, fmt.Errorf("%w: %w", ErrTranslationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TranslationResult{}, fmt.Errorf("%w: 翻译服务返回 %d", ErrTranslationUnavailable, resp.StatusCode)
	}

	var result struct {
		TranslatedText string  `json:"translated_text"`
		Confidence     float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranslationResult{}, fmt.Errorf("%w: 解析翻译结果失败: %v", ErrTranslationUnavailable, err)
	}
	if result.TranslatedText == "" {
		return TranslationResult{}, fmt.Errorf("%w: 翻译结果为空", ErrTranslationUnavailable)
	}

	return TranslationResult{
		TranslatedText: result.TranslatedText,
		Confidence:     result.Confidence,
	}, nil
}

var _ Translator = (*HTTPTranslator)(nil)
