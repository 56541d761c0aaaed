package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	pbrowser "github.com/mafredri/cdp/protocol/browser"
	"github.com/mafredri/cdp/protocol/target"

	"cdpdriver/internal/eventbus"
	"cdpdriver/internal/logger"
	"cdpdriver/internal/route"
	"cdpdriver/internal/transport"
	"cdpdriver/pkg/domain"
)

const defaultWaitTimeout = 30 * time.Second

// BrowserContext 一个隔离的浏览上下文及其页面集合。
// 上下文持有自己的跟踪循环、事件总线和上下文作用域路由注册表。
type BrowserContext struct {
	id      domain.BrowserContextID
	index   int
	browser *Browser
	conn    conn
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pages     *pageList
	created   *eventbus.Bus[*Page]
	activated *eventbus.Bus[*Page]
	routes    *route.Registry

	cancelEvents func()

	mu          sync.Mutex
	waitTimeout time.Duration
	closed      bool
}

func newBrowserContext(b *Browser, id domain.BrowserContextID, index int) *BrowserContext {
	log := b.log.With("context", string(id))
	bc := &BrowserContext{
		id:          id,
		index:       index,
		browser:     b,
		conn:        b.conn,
		log:         log,
		pages:       newPageList(),
		created:     eventbus.New[*Page](log),
		activated:   eventbus.New[*Page](log),
		waitTimeout: defaultWaitTimeout,
	}
	bc.ctx, bc.cancel = context.WithCancel(context.Background())
	bc.routes = route.NewRegistry(nil, bc, log)

	events, cancelEvents := bc.conn.events("")
	bc.cancelEvents = cancelEvents
	t := &tracker{bc: bc, events: events, log: log}
	go t.run()
	return bc
}

// ID 上下文标识，默认上下文为空串
func (c *BrowserContext) ID() domain.BrowserContextID { return c.id }

// Pages 当前跟踪的全部页面
func (c *BrowserContext) Pages() []*Page {
	return c.pages.snapshot()
}

// PageByTarget 按目标标识查找已跟踪页面，未跟踪时返回 ErrNotFound
func (c *BrowserContext) PageByTarget(id domain.TargetID) (*Page, error) {
	if p := c.pages.byTarget(id); p != nil {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

// SetDefaultTimeout 设置 WaitForPage/WaitForPopup 的默认超时
func (c *BrowserContext) SetDefaultTimeout(d time.Duration) {
	c.mu.Lock()
	c.waitTimeout = d
	c.mu.Unlock()
}

func (c *BrowserContext) timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitTimeout
}

// NewPage 在本上下文中打开一个新页面并等待其被跟踪
func (c *BrowserContext) NewPage(ctx context.Context) (*Page, error) {
	return c.WaitForPage(ctx, func() error {
		args := &target.CreateTargetArgs{URL: "about:blank"}
		if c.id != "" {
			bcid := pbrowser.ContextID(c.id)
			args.BrowserContextID = &bcid
		}
		var rep target.CreateTargetReply
		return transport.SendInto(ctx, c.conn, "", "Target.createTarget", args, &rep)
	})
}

// OnPageCreated 注册页面创建观察者，返回注销标识
func (c *BrowserContext) OnPageCreated(fn func(*Page)) string {
	return c.created.Watch(fn)
}

// OffPageCreated 注销页面创建观察者
func (c *BrowserContext) OffPageCreated(id string) bool {
	return c.created.Unwatch(id)
}

// OnPageActivated 注册页面激活观察者（前台标签切换），返回注销标识
func (c *BrowserContext) OnPageActivated(fn func(*Page)) string {
	return c.activated.Watch(fn)
}

// OffPageActivated 注销页面激活观察者
func (c *BrowserContext) OffPageActivated(id string) bool {
	return c.activated.Unwatch(id)
}

// WaitForPage 注册一次性等待，执行 trigger 后等待本上下文中
// 出现新页面或超时
func (c *BrowserContext) WaitForPage(ctx context.Context, trigger func() error) (*Page, error) {
	if c.isClosed() {
		return nil, domain.ErrClosed
	}
	return awaitPage(ctx, c.created, c.timeout(), trigger)
}

// awaitPage 装载等待槽、执行触发函数，然后在通知与超时之间竞争；
// 失败一方的注册随 Disarm 清除
func awaitPage(ctx context.Context, bus *eventbus.Bus[*Page], timeout time.Duration, trigger func() error) (*Page, error) {
	ch, err := bus.Arm()
	if err != nil {
		return nil, err
	}
	defer bus.Disarm(ch)

	if trigger != nil {
		if err := trigger(); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p, nil
	case <-timer.C:
		return nil, domain.ErrTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// ApplyInterception 上下文作用域注册状态变化时逐页同步协议开关。
// 实现 route.Controller。
func (c *BrowserContext) ApplyInterception(ctx context.Context) error {
	var first error
	for _, p := range c.pages.snapshot() {
		if err := p.ApplyInterception(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Route 注册上下文作用域的 glob 模式路由，对上下文内所有页面生效
func (c *BrowserContext) Route(ctx context.Context, pattern string, h route.HandlerFunc) error {
	m, err := route.CompilePattern(pattern)
	if err != nil {
		return err
	}
	return c.routes.Add(ctx, m, h)
}

// RoutePredicate 注册上下文作用域的谓词路由
func (c *BrowserContext) RoutePredicate(ctx context.Context, pred func(url string) bool, h route.HandlerFunc) error {
	return c.routes.Add(ctx, route.Predicate(pred), h)
}

// Unroute 移除模式串相等的上下文作用域路由
func (c *BrowserContext) Unroute(ctx context.Context, pattern string) error {
	return c.routes.Remove(ctx, pattern)
}

// UnrouteAll 清空上下文作用域路由
func (c *BrowserContext) UnrouteAll(ctx context.Context) error {
	return c.routes.RemoveAll(ctx)
}

// SetHTTPCredentials 配置上下文作用域的认证凭据
func (c *BrowserContext) SetHTTPCredentials(ctx context.Context, creds domain.Credentials) error {
	return c.routes.SetCredentials(ctx, creds)
}

// ClearHTTPCredentials 清除上下文作用域的认证凭据
func (c *BrowserContext) ClearHTTPCredentials(ctx context.Context) error {
	return c.routes.ClearCredentials(ctx)
}

func (c *BrowserContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close 销毁上下文：终止跟踪循环、标记所有页面关闭，
// 并释放浏览器侧的隔离上下文（默认上下文不可释放）
func (c *BrowserContext) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	for _, p := range c.pages.snapshot() {
		p.markClosed()
	}
	c.cancelEvents()
	c.cancel()

	var err error
	if c.id != "" {
		_, err = c.conn.Send(ctx, "", "Target.disposeBrowserContext", &target.DisposeBrowserContextArgs{
			BrowserContextID: pbrowser.ContextID(c.id),
		})
		c.browser.removeContext(c)
	}
	c.log.Info("浏览上下文已关闭", "context", string(c.id))
	return err
}
