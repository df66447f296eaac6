package service

import (
	"context"
	"sync"
	"time"

	"github.com/isopen-io/meeshy-sync/config"
	"github.com/isopen-io/meeshy-sync/internal/repository"
	"github.com/isopen-io/meeshy-sync/pkg/protocol"

	"go.uber.org/zap"
)

// Translator 外部翻译协作方
// 通过请求/应答方式异步调用，实现方可能是 HTTP/消息队列客户端
type Translator interface {
	Translate(ctx context.Context, req TranslationRequest) (TranslationResult, error)
}

// TranslationRequest 一次翻译请求
type TranslationRequest struct {
	MessageID      uint
	ConversationID uint
	SourceText     string
	SourceLanguage string
	TargetLanguage string
}

// TranslationResult 翻译结果
type TranslationResult struct {
	TranslatedText string
	Confidence     float64
}

// TranslationCache 翻译缓存接口
// 键为 (消息ID, 目标语言)；同时承担 in-flight 去重
// Redis 实现见 pkg/redis，测试使用内存实现
type TranslationCache interface {
	Lookup(messageID uint, lang string) (string, bool)
	Store(messageID uint, lang, text string, confidence float64) error
	TryAcquire(messageID uint, lang string) (bool, error)
	Release(messageID uint, lang string)
	MarkFailed(messageID uint, lang string) error
	IsFailed(messageID uint, lang string) bool
	Invalidate(messageID uint) error
}

// TranslationService 翻译请求队列
// 固定数量的工作协程消费队列，带指数退避的有界重试
// 翻译失败只影响单个 (消息, 语言)，绝不阻塞消息主路径
type TranslationService struct {
	cache       TranslationCache
	translator  Translator
	broadcaster Broadcaster
	messages    repository.MessageStore
	cfg         config.TranslationConfig
	logger      *zap.Logger

	jobs chan TranslationRequest
	wg   sync.WaitGroup
	once sync.Once
}

// NewTranslationService 创建翻译服务
func NewTranslationService(cache TranslationCache, translator Translator, broadcaster Broadcaster, messages repository.MessageStore, cfg config.TranslationConfig, logger *zap.Logger) *TranslationService {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &TranslationService{
		cache:       cache,
		translator:  translator,
		broadcaster: broadcaster,
		messages:    messages,
		cfg:         cfg,
		logger:      logger,
		jobs:        make(chan TranslationRequest, cfg.QueueSize),
	}
}

// Start 启动工作协程
func (s *TranslationService) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-s.jobs:
					if !ok {
						return
					}
					s.process(ctx, job)
				}
			}
		}()
	}
}

// Stop 关闭队列并等待工作协程退出
func (s *TranslationService) Stop() {
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

// Enqueue 入队一个翻译请求，幂等
// 已缓存：直接广播缓存结果；已失败或在途：丢弃；否则抢占 in-flight 标记后入队
func (s *TranslationService) Enqueue(job TranslationRequest) {
	if text, hit := s.cache.Lookup(job.MessageID, job.TargetLanguage); hit {
		s.broadcastTranslation(job, text)
		return
	}

	if s.cache.IsFailed(job.MessageID, job.TargetLanguage) {
		return
	}

	acquired, err := s.cache.TryAcquire(job.MessageID, job.TargetLanguage)
	if err != nil {
		s.logger.Warn("翻译去重标记写入失败",
			zap.Uint("message_id", job.MessageID),
			zap.String("lang", job.TargetLanguage),
			zap.Error(err),
		)
		return
	}
	if !acquired {
		// 同一 (消息, 语言) 已有请求在途
		return
	}

	select {
	case s.jobs <- job:
	default:
		// 队列已满，释放标记以便稍后重新入队
		s.cache.Release(job.MessageID, job.TargetLanguage)
		s.logger.Warn("翻译队列已满，丢弃请求",
			zap.Uint("message_id", job.MessageID),
			zap.String("lang", job.TargetLanguage),
		)
	}
}

// Invalidate 使某条消息的全部翻译失效
func (s *TranslationService) Invalidate(messageID uint) {
	if err := s.cache.Invalidate(messageID); err != nil {
		s.logger.Warn("翻译缓存失效操作失败", zap.Uint("message_id", messageID), zap.Error(err))
	}
}

// process 执行一次翻译任务：有界重试 + 指数退避
func (s *TranslationService) process(ctx context.Context, job TranslationRequest) {
	backoff := s.cfg.InitialBackoff

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		result, err := s.translator.Translate(attemptCtx, job)
		cancel()

		if err == nil {
			s.deliver(ctx, job, result)
			return
		}

		s.logger.Warn("外部翻译调用失败",
			zap.Uint("message_id", job.MessageID),
			zap.String("lang", job.TargetLanguage),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < s.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				s.cache.Release(job.MessageID, job.TargetLanguage)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	// 重试耗尽：标记失败并告知客户端"翻译不可用"
	if err := s.cache.MarkFailed(job.MessageID, job.TargetLanguage); err != nil {
		s.logger.Warn("写入翻译失败标记失败", zap.Uint("message_id", job.MessageID), zap.Error(err))
	}
	s.broadcaster.Broadcast(job.ConversationID, protocol.EventTranslationFailed, &protocol.TranslationFailed{
		MessageID:      job.MessageID,
		ConversationID: job.ConversationID,
		TargetLanguage: job.TargetLanguage,
	}, "")
}

// deliver 翻译完成：写缓存并广播
// 源消息已被删除或内容已被编辑时，结果作废：既不入缓存也不广播
func (s *TranslationService) deliver(ctx context.Context, job TranslationRequest, result TranslationResult) {
	msg, err := s.messages.GetByID(ctx, job.MessageID)
	if err != nil || msg.Content != job.SourceText {
		s.cache.Release(job.MessageID, job.TargetLanguage)
		return
	}

	if err := s.cache.Store(job.MessageID, job.TargetLanguage, result.TranslatedText, result.Confidence); err != nil {
		s.logger.Warn("写入翻译缓存失败", zap.Uint("message_id", job.MessageID), zap.Error(err))
	}

	s.broadcastTranslation(job, result.TranslatedText)
}

// broadcastTranslation 广播翻译就绪事件（限定在会话内）
func (s *TranslationService) broadcastTranslation(job TranslationRequest, text string) {
	s.broadcaster.Broadcast(job.ConversationID, protocol.EventTranslation, &protocol.Translation{
		MessageID:      job.MessageID,
		ConversationID: job.ConversationID,
		TargetLanguage: job.TargetLanguage,
		Text:           text,
	}, "")
}
