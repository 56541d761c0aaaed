package route

import (
	"context"
	"errors"
	"sync"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"cdpdriver/internal/transport"
	"cdpdriver/pkg/domain"
	"cdpdriver/pkg/traffic"
)

// ErrAlreadyHandled 同一请求上重复执行终结动作
var ErrAlreadyHandled = errors.New("route already handled")

// handledFlag 同一请求的所有 Route 实例共享的终结标志，只允许置位一次
type handledFlag struct {
	mu   sync.Mutex
	done bool
}

// acquire 尝试置位，已置位时返回 false
func (f *handledFlag) acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	f.done = true
	return true
}

func (f *handledFlag) isDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// ContinueOverrides 放行时对请求的可选改写，零值字段保持原样
type ContinueOverrides struct {
	URL      string
	Method   string
	Headers  traffic.Header
	PostData []byte
}

// Route 一次在途拦截实例，绑定单个被暂停的请求。
// 处理器通过 Continue/Fulfill/Abort 之一对请求执行终结动作；
// 不调用任何终结动作即视为回退，交由下一个匹配的处理器处理。
type Route struct {
	ctx       context.Context
	ev        *fetch.RequestPausedReply
	req       *traffic.Request
	handled   *handledFlag
	sender    transport.Sender
	sessionID domain.SessionID
}

func newRoute(ctx context.Context, ev *fetch.RequestPausedReply, req *traffic.Request, handled *handledFlag, sender transport.Sender, sessionID domain.SessionID) *Route {
	return &Route{ctx: ctx, ev: ev, req: req, handled: handled, sender: sender, sessionID: sessionID}
}

// Request 返回中立请求视图
func (r *Route) Request() *traffic.Request {
	return r.req
}

// Continue 原样放行请求
func (r *Route) Continue() error {
	return r.ContinueWith(ContinueOverrides{})
}

// ContinueWith 按给定改写放行请求
func (r *Route) ContinueWith(o ContinueOverrides) error {
	if !r.handled.acquire() {
		return ErrAlreadyHandled
	}
	args := &fetch.ContinueRequestArgs{RequestID: r.ev.RequestID}
	if o.URL != "" {
		args.URL = &o.URL
	}
	if o.Method != "" {
		args.Method = &o.Method
	}
	if len(o.Headers) > 0 {
		args.Headers = toHeaderEntries(o.Headers)
	}
	if len(o.PostData) > 0 {
		args.PostData = o.PostData
	}
	_, err := r.sender.Send(r.ctx, r.sessionID, "Fetch.continueRequest", args)
	return err
}

// Fulfill 以给定响应直接应答请求，不再访问网络
func (r *Route) Fulfill(resp *traffic.Response) error {
	if !r.handled.acquire() {
		return ErrAlreadyHandled
	}
	status := resp.StatusCode
	if status == 0 {
		status = 200
	}
	headers := resp.Headers.Clone()
	if resp.ContentType != "" {
		if headers == nil {
			headers = make(traffic.Header)
		}
		headers.Set("content-type", resp.ContentType)
	}
	args := &fetch.FulfillRequestArgs{
		RequestID:    r.ev.RequestID,
		ResponseCode: status,
	}
	if len(headers) > 0 {
		args.ResponseHeaders = toHeaderEntries(headers)
	}
	if len(resp.Body) > 0 {
		args.Body = resp.Body
	}
	_, err := r.sender.Send(r.ctx, r.sessionID, "Fetch.fulfillRequest", args)
	return err
}

// Abort 以 Failed 原因中止请求
func (r *Route) Abort() error {
	return r.AbortWithReason(network.ErrorReasonFailed)
}

// AbortWithReason 以指定原因中止请求
func (r *Route) AbortWithReason(reason network.ErrorReason) error {
	if !r.handled.acquire() {
		return ErrAlreadyHandled
	}
	_, err := r.sender.Send(r.ctx, r.sessionID, "Fetch.failRequest", &fetch.FailRequestArgs{
		RequestID:   r.ev.RequestID,
		ErrorReason: reason,
	})
	return err
}
