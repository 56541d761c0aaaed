package transport

import (
	"sync"

	"cdpdriver/pkg/domain"
)

// Subscription 某个会话的事件订阅。
// 队列有界，生产侧永不阻塞：溢出时丢弃最旧事件再入队。
type Subscription struct {
	id        int64
	sessionID domain.SessionID
	ch        chan Event
	conn      *Conn
	once      sync.Once
}

// Subscribe 订阅指定会话的事件流，空会话 ID 表示浏览器级事件
func (c *Conn) Subscribe(sessionID domain.SessionID) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, c.queueSize),
		conn:      c,
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	select {
	case <-c.done:
		// 连接已关闭，返回一个已终止的订阅
		close(sub.ch)
		return sub
	default:
	}
	c.subSeq++
	sub.id = c.subSeq
	c.subs[sub.id] = sub
	return sub
}

// C 事件接收通道，订阅结束或连接断开后关闭
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close 取消订阅并关闭通道
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.conn.subsMu.Lock()
		defer s.conn.subsMu.Unlock()
		if _, ok := s.conn.subs[s.id]; ok {
			delete(s.conn.subs, s.id)
			close(s.ch)
		}
	})
}

// offer 入队一条事件，满时先弹出最旧的一条
func (s *Subscription) offer(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}
