package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/target"

	"cdpdriver/internal/eventbus"
	"cdpdriver/internal/logger"
	"cdpdriver/internal/route"
	"cdpdriver/internal/transport"
	"cdpdriver/pkg/domain"
)

// Page 页面型目标的逻辑句柄，与一条附加会话一一绑定。
// 由所在上下文的跟踪循环创建和销毁；目标销毁后句柄变为陈旧，
// 后续操作返回 ErrClosed。
type Page struct {
	bc           *BrowserContext
	targetID     domain.TargetID
	sessionID    domain.SessionID
	frameID      domain.FrameID
	openerID     domain.TargetID
	contextIndex int
	pageIndex    int64

	routes *route.Registry
	popup  *eventbus.Bus[*Page]
	log    logger.Logger

	events       <-chan transport.Event
	cancelEvents func()

	mu     sync.Mutex
	url    string
	closed bool

	fetchMu sync.Mutex
	fetchOn bool
	authOn  bool
}

func newPage(bc *BrowserContext, info target.Info, sessionID domain.SessionID, frameID domain.FrameID, pageIndex int64) *Page {
	p := &Page{
		bc:           bc,
		targetID:     domain.TargetID(info.TargetID),
		sessionID:    sessionID,
		frameID:      frameID,
		contextIndex: bc.index,
		pageIndex:    pageIndex,
		url:          info.URL,
		log:          bc.log.With("target", string(info.TargetID)),
	}
	if info.OpenerID != nil {
		p.openerID = domain.TargetID(*info.OpenerID)
	}
	p.routes = route.NewRegistry(bc.routes, p, p.log)
	p.popup = eventbus.New[*Page](p.log)
	p.events, p.cancelEvents = bc.conn.events(sessionID)
	return p
}

// run 页面事件循环：消费本会话事件，
// 每个被暂停的请求在独立协程中分发，慢处理器不阻塞其他请求
func (p *Page) run() {
	for ev := range p.events {
		switch ev.Method {
		case "Fetch.requestPaused":
			var rp fetch.RequestPausedReply
			if err := json.Unmarshal(ev.Params, &rp); err != nil {
				continue
			}
			go p.dispatchRoute(&rp)
		case "Fetch.authRequired":
			var ar fetch.AuthRequiredReply
			if err := json.Unmarshal(ev.Params, &ar); err != nil {
				continue
			}
			go p.dispatchAuth(&ar)
		}
	}
}

func (p *Page) dispatchRoute(ev *fetch.RequestPausedReply) {
	if err := p.routes.Dispatch(p.bc.ctx, ev, p.bc.conn, p.sessionID); err != nil {
		p.log.Err(err, "路由分发失败", "url", ev.Request.URL, "requestID", string(ev.RequestID))
	}
}

func (p *Page) dispatchAuth(ev *fetch.AuthRequiredReply) {
	if err := p.routes.DispatchAuth(p.bc.ctx, ev, p.bc.conn, p.sessionID); err != nil {
		p.log.Err(err, "认证质询应答失败", "requestID", string(ev.RequestID))
	}
}

// ApplyInterception 按两级作用域的注册状态同步本会话的 Fetch 开关。
// 实现 route.Controller。
func (p *Page) ApplyInterception(ctx context.Context) error {
	want, auth := p.routes.EffectiveWants()

	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()
	if p.Closed() {
		return nil
	}
	if want == p.fetchOn && auth == p.authOn {
		return nil
	}
	var err error
	if want {
		err = route.EnableInterception(ctx, p.bc.conn, p.sessionID, auth)
	} else {
		err = route.DisableInterception(ctx, p.bc.conn, p.sessionID)
	}
	if err != nil {
		return err
	}
	p.fetchOn, p.authOn = want, auth
	return nil
}

// markClosed 由跟踪循环在目标销毁时调用
func (p *Page) markClosed() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if !already {
		p.cancelEvents()
	}
}

// TargetID 浏览器侧目标标识
func (p *Page) TargetID() domain.TargetID { return p.targetID }

// SessionID 附加会话标识
func (p *Page) SessionID() domain.SessionID { return p.sessionID }

// FrameID 主框架标识
func (p *Page) FrameID() domain.FrameID { return p.frameID }

// Index 进程级单调页面序号，可用于稳定排序
func (p *Page) Index() int64 { return p.pageIndex }

// ContextIndex 所属上下文的序号，默认上下文为 0
func (p *Page) ContextIndex() int { return p.contextIndex }

// OpenerID 打开本页面的目标标识，非弹窗页面为空
func (p *Page) OpenerID() domain.TargetID { return p.openerID }

// URL 目标最近上报的地址
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) setURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

// Closed 页面是否已销毁
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close 请求浏览器关闭此页面；句柄的实际移除发生在
// targetDestroyed 事件到达时
func (p *Page) Close(ctx context.Context) error {
	if p.Closed() {
		return domain.ErrClosed
	}
	_, err := p.bc.conn.Send(ctx, "", "Target.closeTarget", &target.CloseTargetArgs{TargetID: target.ID(p.targetID)})
	return err
}

// Navigate 导航主框架到指定地址
func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.Closed() {
		return domain.ErrClosed
	}
	var rep page.NavigateReply
	if err := transport.SendInto(ctx, p.bc.conn, p.sessionID, "Page.navigate", &page.NavigateArgs{URL: url}, &rep); err != nil {
		return err
	}
	if rep.ErrorText != nil && *rep.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, *rep.ErrorText)
	}
	return nil
}

// WaitForPopup 注册一次性弹窗等待，执行 trigger 后等待
// 由本页面打开的新页面出现或超时
func (p *Page) WaitForPopup(ctx context.Context, trigger func() error) (*Page, error) {
	if p.Closed() {
		return nil, domain.ErrClosed
	}
	return awaitPage(ctx, p.popup, p.bc.timeout(), trigger)
}

// Route 注册页面作用域的 glob 模式路由
func (p *Page) Route(ctx context.Context, pattern string, h route.HandlerFunc) error {
	m, err := route.CompilePattern(pattern)
	if err != nil {
		return err
	}
	return p.routes.Add(ctx, m, h)
}

// RoutePredicate 注册页面作用域的谓词路由
func (p *Page) RoutePredicate(ctx context.Context, pred func(url string) bool, h route.HandlerFunc) error {
	return p.routes.Add(ctx, route.Predicate(pred), h)
}

// Unroute 移除模式串相等的页面作用域路由
func (p *Page) Unroute(ctx context.Context, pattern string) error {
	return p.routes.Remove(ctx, pattern)
}

// UnrouteAll 清空页面作用域路由
func (p *Page) UnrouteAll(ctx context.Context) error {
	return p.routes.RemoveAll(ctx)
}

// SetHTTPCredentials 配置页面作用域的认证凭据
func (p *Page) SetHTTPCredentials(ctx context.Context, c domain.Credentials) error {
	return p.routes.SetCredentials(ctx, c)
}

// ClearHTTPCredentials 清除页面作用域的认证凭据
func (p *Page) ClearHTTPCredentials(ctx context.Context) error {
	return p.routes.ClearCredentials(ctx)
}
