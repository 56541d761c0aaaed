package route

import (
	"context"
	"sync"

	"github.com/mafredri/cdp/protocol/fetch"

	"cdpdriver/internal/logger"
	"cdpdriver/internal/transport"
	"cdpdriver/pkg/domain"
	"cdpdriver/pkg/traffic"
)

// HandlerFunc 路由处理器。返回前未对 Route 执行终结动作即视为回退，
// 继续尝试下一个匹配的处理器；返回错误则中断本次分发并向上传播。
type HandlerFunc func(*Route) error

// Controller 作用域注册状态变化时负责同步协议层拦截开关的一方：
// 页面作用域是页面自身的会话，上下文作用域则逐页下发
type Controller interface {
	ApplyInterception(ctx context.Context) error
}

type entry struct {
	m  Matcher
	fn HandlerFunc
}

// Registry 单个作用域（页面或上下文）的路由注册表。
// 处理器列表与凭据由读写锁保护：分发取读锁，注册/注销取写锁。
type Registry struct {
	log    logger.Logger
	parent *Registry
	ctl    Controller

	mu           sync.RWMutex
	entries      []entry
	creds        *domain.Credentials
	fetchEnabled bool
	authEnabled  bool
}

// NewRegistry 创建注册表。parent 为页面作用域回退到的上下文注册表，
// 上下文作用域传 nil；ctl 为 nil 时只做簿记，不触碰协议开关。
func NewRegistry(parent *Registry, ctl Controller, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{log: log, parent: parent, ctl: ctl}
}

// Add 追加处理器并确保拦截已开启
func (r *Registry) Add(ctx context.Context, m Matcher, fn HandlerFunc) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry{m: m, fn: fn})
	r.recomputeLocked()
	r.mu.Unlock()
	return r.apply(ctx)
}

// Remove 移除所有模式串与 pattern 相等的处理器，
// 列表清空且未配置凭据时关闭拦截。谓词处理器不受影响。
func (r *Registry) Remove(ctx context.Context, pattern string) error {
	r.mu.Lock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.m.Pattern() == "" || e.m.Pattern() != pattern {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	r.recomputeLocked()
	r.mu.Unlock()
	return r.apply(ctx)
}

// RemoveAll 清空全部处理器
func (r *Registry) RemoveAll(ctx context.Context) error {
	r.mu.Lock()
	r.entries = nil
	r.recomputeLocked()
	r.mu.Unlock()
	return r.apply(ctx)
}

// SetCredentials 配置认证凭据并强制开启拦截
func (r *Registry) SetCredentials(ctx context.Context, c domain.Credentials) error {
	r.mu.Lock()
	r.creds = &c
	r.recomputeLocked()
	r.mu.Unlock()
	return r.apply(ctx)
}

// ClearCredentials 清除认证凭据
func (r *Registry) ClearCredentials(ctx context.Context) error {
	r.mu.Lock()
	r.creds = nil
	r.recomputeLocked()
	r.mu.Unlock()
	return r.apply(ctx)
}

// recomputeLocked 重算本作用域的开关位，调用方持写锁
func (r *Registry) recomputeLocked() {
	r.fetchEnabled = len(r.entries) > 0 || r.creds != nil
	r.authEnabled = r.creds != nil
}

// apply 注册状态变化后同步协议层开关，锁外调用
func (r *Registry) apply(ctx context.Context) error {
	if r.ctl == nil {
		return nil
	}
	return r.ctl.ApplyInterception(ctx)
}

// FetchEnabled 本作用域当前是否要求请求拦截
func (r *Registry) FetchEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchEnabled
}

// Wants 本作用域要求的拦截开关位
func (r *Registry) Wants() (fetchOn, authOn bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchEnabled, r.authEnabled
}

// EffectiveWants 合并父作用域后的拦截开关位
func (r *Registry) EffectiveWants() (fetchOn, authOn bool) {
	fetchOn, authOn = r.Wants()
	if r.parent != nil {
		pf, pa := r.parent.Wants()
		fetchOn = fetchOn || pf
		authOn = authOn || pa
	}
	return fetchOn, authOn
}

// Credentials 返回生效的凭据：本作用域优先，其次父作用域
func (r *Registry) Credentials() *domain.Credentials {
	r.mu.RLock()
	c := r.creds
	r.mu.RUnlock()
	if c != nil {
		return c
	}
	if r.parent != nil {
		return r.parent.Credentials()
	}
	return nil
}

// Dispatch 分发一次被暂停的请求。从本作用域开始按注册逆序尝试匹配的
// 处理器，处理器回退则继续下一个，本作用域穷尽后落到父作用域；
// 两级作用域都未终结时执行默认放行，请求绝不因无人处理而被丢弃。
func (r *Registry) Dispatch(ctx context.Context, ev *fetch.RequestPausedReply, sender transport.Sender, sessionID domain.SessionID) error {
	req := toRequest(ev)
	shared := &handledFlag{}

	for reg := r; reg != nil; reg = reg.parent {
		handled, err := reg.dispatchScope(ctx, ev, req, shared, sender, sessionID)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	r.log.Trace("无处理器终结请求，默认放行", "url", req.URL)
	_, err := sender.Send(ctx, sessionID, "Fetch.continueRequest", &fetch.ContinueRequestArgs{RequestID: ev.RequestID})
	return err
}

// dispatchScope 在单个作用域内分发。匹配列表在读锁下快照，
// 处理器调用发生在锁外，长时间运行的处理器不阻塞注册变更。
func (r *Registry) dispatchScope(ctx context.Context, ev *fetch.RequestPausedReply, req *traffic.Request, shared *handledFlag, sender transport.Sender, sessionID domain.SessionID) (bool, error) {
	r.mu.RLock()
	matched := make([]HandlerFunc, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- { // 后注册者优先
		if r.entries[i].m.Match(req.URL) {
			matched = append(matched, r.entries[i].fn)
		}
	}
	r.mu.RUnlock()

	for _, fn := range matched {
		rt := newRoute(ctx, ev, req, shared, sender, sessionID)
		if err := fn(rt); err != nil {
			return false, err
		}
		if shared.isDone() {
			return true, nil
		}
	}
	return false, nil
}

// DispatchAuth 应答一次认证质询：配置了凭据则提交凭据，
// 否则交回浏览器默认处理
func (r *Registry) DispatchAuth(ctx context.Context, ev *fetch.AuthRequiredReply, sender transport.Sender, sessionID domain.SessionID) error {
	resp := fetch.AuthChallengeResponse{Response: "Default"}
	if creds := r.Credentials(); creds != nil {
		resp = fetch.AuthChallengeResponse{
			Response: "ProvideCredentials",
			Username: &creds.Username,
			Password: &creds.Password,
		}
		r.log.Debug("以配置凭据应答认证质询", "origin", ev.AuthChallenge.Origin, "scheme", ev.AuthChallenge.Scheme)
	}
	_, err := sender.Send(ctx, sessionID, "Fetch.continueWithAuth", &fetch.ContinueWithAuthArgs{
		RequestID:             ev.RequestID,
		AuthChallengeResponse: resp,
	})
	return err
}

// EnableInterception 在指定会话上开启 Fetch 域拦截
func EnableInterception(ctx context.Context, sender transport.Sender, sessionID domain.SessionID, withAuth bool) error {
	p := "*"
	args := &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &p, RequestStage: fetch.RequestStageRequest}},
	}
	if withAuth {
		args.HandleAuthRequests = &withAuth
	}
	_, err := sender.Send(ctx, sessionID, "Fetch.enable", args)
	return err
}

// DisableInterception 在指定会话上关闭 Fetch 域拦截
func DisableInterception(ctx context.Context, sender transport.Sender, sessionID domain.SessionID) error {
	_, err := sender.Send(ctx, sessionID, "Fetch.disable", nil)
	return err
}
