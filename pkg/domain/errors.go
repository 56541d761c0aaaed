package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed 传输层连接失败或事件流中断
	ErrConnectionFailed = errors.New("connection failed")
	// ErrTimeout 等待超出期限
	ErrTimeout = errors.New("timeout")
	// ErrClosed 对已销毁的页面/上下文执行操作
	ErrClosed = errors.New("closed")
	// ErrNotFound 引用的目标或会话已不在跟踪列表
	ErrNotFound = errors.New("not found")
	// ErrWaitPending 同一作用域已存在未决的等待
	ErrWaitPending = errors.New("wait already pending")
)

// ProtocolError 浏览器对某条命令返回的错误响应
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp: %s: %s (code %d)", e.Method, e.Message, e.Code)
}
