package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"cdpdriver/internal/logger"
	"cdpdriver/pkg/domain"
)

// Event 从浏览器推送的一条协议事件
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID domain.SessionID
}

// Sender 向浏览器发送命令并等待响应的最小接口
type Sender interface {
	Send(ctx context.Context, sessionID domain.SessionID, method string, params any) (json.RawMessage, error)
}

// SendInto 发送命令并把结果反序列化到 out，out 为 nil 时丢弃结果
func SendInto(ctx context.Context, s Sender, sessionID domain.SessionID, method string, params, out any) error {
	raw, err := s.Send(ctx, sessionID, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Options 连接配置
type Options struct {
	// QueueSize 每个订阅者的事件队列容量，溢出时丢弃最旧事件
	QueueSize int
	Logger    logger.Logger
}

const defaultQueueSize = 256

type call struct {
	method string
	done   chan result
}

type result struct {
	data json.RawMessage
	err  error
}

// Conn 到浏览器的双工调试通道。
// 命令按自增 id 关联响应；事件经唯一读循环分发到各订阅队列。
type Conn struct {
	ws        *websocket.Conn
	log       logger.Logger
	queueSize int

	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*call

	subsMu sync.RWMutex
	subSeq int64
	subs   map[int64]*Subscription

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// Dial 建立 WebSocket 连接并启动读循环
func Dial(ctx context.Context, wsURL string, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnectionFailed, wsURL, err)
	}
	c := &Conn{
		ws:        ws,
		log:       opts.Logger,
		queueSize: opts.QueueSize,
		pending:   make(map[int64]*call),
		subs:      make(map[int64]*Subscription),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	c.log.Debug("调试通道已建立", "url", wsURL)
	return c, nil
}

// Send 发送一条命令并阻塞等待响应
func (c *Conn) Send(ctx context.Context, sessionID domain.SessionID, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, c.err()
	default:
	}

	id := c.seq.Add(1)
	frame := []byte(`{}`)
	frame, _ = sjson.SetBytes(frame, "id", id)
	frame, _ = sjson.SetBytes(frame, "method", method)
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		frame, _ = sjson.SetRawBytes(frame, "params", raw)
	}
	if sessionID != "" {
		frame, _ = sjson.SetBytes(frame, "sessionId", string(sessionID))
	}

	cl := &call{method: method, done: make(chan result, 1)}
	c.pendingMu.Lock()
	c.pending[id] = cl
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%w: write %s: %v", domain.ErrConnectionFailed, method, err)
	}

	select {
	case r := <-cl.done:
		return r.data, r.err
	case <-ctx.Done():
		c.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, domain.ErrTimeout)
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err()
	}
}

// Close 主动关闭连接，终止所有订阅与未决命令
func (c *Conn) Close() error {
	c.shutdown(domain.ErrClosed)
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
			return
		}
		if gjson.GetBytes(raw, "id").Exists() {
			c.resolve(raw)
		} else {
			c.publish(raw)
		}
	}
}

func (c *Conn) resolve(raw []byte) {
	id := gjson.GetBytes(raw, "id").Int()
	c.pendingMu.Lock()
	cl, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	var r result
	if errRes := gjson.GetBytes(raw, "error"); errRes.Exists() {
		r.err = &domain.ProtocolError{
			Method:  cl.method,
			Code:    int(errRes.Get("code").Int()),
			Message: errRes.Get("message").String(),
		}
	} else {
		res := gjson.GetBytes(raw, "result")
		r.data = json.RawMessage(res.Raw)
	}
	cl.done <- r
}

func (c *Conn) publish(raw []byte) {
	method := gjson.GetBytes(raw, "method").String()
	if method == "" {
		// 理解不了的帧直接丢弃
		return
	}
	ev := Event{
		Method:    method,
		Params:    json.RawMessage(gjson.GetBytes(raw, "params").Raw),
		SessionID: domain.SessionID(gjson.GetBytes(raw, "sessionId").String()),
	}

	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, sub := range c.subs {
		if sub.sessionID == ev.SessionID {
			sub.offer(ev)
		}
	}
}

func (c *Conn) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.done)
		_ = c.ws.Close()

		c.pendingMu.Lock()
		for id, cl := range c.pending {
			cl.done <- result{err: cause}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.subsMu.Lock()
		for id, sub := range c.subs {
			close(sub.ch)
			delete(c.subs, id)
		}
		c.subsMu.Unlock()

		if !errors.Is(cause, domain.ErrClosed) {
			c.log.Warn("调试通道中断", "cause", cause)
		}
	})
}

func (c *Conn) err() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return domain.ErrClosed
}
