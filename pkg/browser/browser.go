// Package browser 基于远程调试协议驱动 Chromium 系浏览器：
// 连接或发现调试端点，打开隔离的浏览上下文与页面，
// 跟踪目标生命周期并提供请求拦截路由。
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/target"

	"cdpdriver/internal/logger"
	"cdpdriver/internal/transport"
	"cdpdriver/pkg/domain"
)

// Options 连接配置
type Options struct {
	// DevToolsURL 调试端点的 HTTP 地址，用于发现 WebSocket 入口
	DevToolsURL string
	// WebSocketURL 直接给定 WebSocket 入口时跳过发现
	WebSocketURL string
	Logger       logger.Logger
	// Emulate 新页面附加时应用的仿真设置
	Emulate *domain.EmulateOptions
	// QueueSize 每个事件订阅的队列容量
	QueueSize int
}

// conn 抽象传输层，便于测试注入
type conn interface {
	transport.Sender
	events(sessionID domain.SessionID) (<-chan transport.Event, func())
}

type liveConn struct {
	*transport.Conn
}

func (c *liveConn) events(sessionID domain.SessionID) (<-chan transport.Event, func()) {
	sub := c.Subscribe(sessionID)
	return sub.C(), sub.Close
}

// pageCounter 进程级单调页面序号，显式传递以便测试使用独立计数器
type pageCounter struct {
	n atomic.Int64
}

func (c *pageCounter) next() int64 {
	return c.n.Add(1)
}

// Browser 一条已连接的浏览器控制通道
type Browser struct {
	conn    conn
	log     logger.Logger
	counter *pageCounter
	emu     *domain.EmulateOptions

	mu         sync.Mutex
	ctxSeq     int
	contexts   []*BrowserContext
	defaultCtx *BrowserContext
}

// Connect 连接到正在运行的浏览器。给定 DevToolsURL 时先通过
// /json/version 发现 WebSocket 调试入口。
func Connect(ctx context.Context, opts Options) (*Browser, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	wsURL := opts.WebSocketURL
	if wsURL == "" {
		dt := devtool.New(opts.DevToolsURL)
		v, err := dt.Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: discover endpoint %s: %v", domain.ErrConnectionFailed, opts.DevToolsURL, err)
		}
		wsURL = v.WebSocketDebuggerURL
	}

	c, err := transport.Dial(ctx, wsURL, transport.Options{QueueSize: opts.QueueSize, Logger: log})
	if err != nil {
		return nil, err
	}

	b := &Browser{
		conn:    &liveConn{Conn: c},
		log:     log,
		counter: &pageCounter{},
		emu:     opts.Emulate,
	}
	b.defaultCtx = newBrowserContext(b, "", 0)

	if _, err := b.conn.Send(ctx, "", "Target.setDiscoverTargets", &target.SetDiscoverTargetsArgs{Discover: true}); err != nil {
		_ = c.Close()
		return nil, err
	}
	log.Info("已连接浏览器", "ws", wsURL)
	return b, nil
}

// DefaultContext 返回浏览器的默认上下文（空上下文 ID）
func (b *Browser) DefaultContext() *BrowserContext {
	return b.defaultCtx
}

// NewContext 创建一个隔离的浏览上下文
func (b *Browser) NewContext(ctx context.Context) (*BrowserContext, error) {
	var rep target.CreateBrowserContextReply
	if err := transport.SendInto(ctx, b.conn, "", "Target.createBrowserContext", nil, &rep); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.ctxSeq++
	bc := newBrowserContext(b, domain.BrowserContextID(rep.BrowserContextID), b.ctxSeq)
	b.contexts = append(b.contexts, bc)
	b.mu.Unlock()

	b.log.Info("创建浏览上下文", "context", string(bc.id))
	return bc, nil
}

// Contexts 返回当前由本引擎创建的全部隔离上下文
func (b *Browser) Contexts() []*BrowserContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*BrowserContext, len(b.contexts))
	copy(out, b.contexts)
	return out
}

// Close 断开控制通道，终止所有跟踪循环
func (b *Browser) Close() error {
	if lc, ok := b.conn.(*liveConn); ok {
		return lc.Conn.Close()
	}
	return nil
}

func (b *Browser) removeContext(bc *BrowserContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.contexts {
		if c == bc {
			b.contexts = append(b.contexts[:i], b.contexts[i+1:]...)
			return
		}
	}
}
