package service

import "errors"

// 服务层哨兵错误
var (
	// ErrInvalidMessage 消息校验失败（非成员、内容超限、回复目标非法等）
	// 校验失败时不产生任何持久化或广播副作用
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotMember 用户不是会话的有效成员
	ErrNotMember = errors.New("not a conversation member")
	// ErrPermissionDenied 只能编辑/删除自己发送的消息
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTranslationUnavailable 外部翻译服务重试耗尽
	ErrTranslationUnavailable = errors.New("translation unavailable")
)
