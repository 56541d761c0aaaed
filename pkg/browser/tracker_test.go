package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	pbrowser "github.com/mafredri/cdp/protocol/browser"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cdpdriver/internal/logger"
	"cdpdriver/internal/route"
	"cdpdriver/internal/transport"
	"cdpdriver/pkg/domain"
	"cdpdriver/pkg/traffic"
)

type fakeCall struct {
	sessionID domain.SessionID
	method    string
	params    json.RawMessage
}

// fakeConn 替代真实调试通道：记录全部出站命令，
// 按方法名返回罐装响应或注入的错误
type fakeConn struct {
	mu          sync.Mutex
	calls       []fakeCall
	failMethods map[string]error
	sessionSeq  int
	browserCh   chan transport.Event
	sessionChs  map[domain.SessionID]chan transport.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		failMethods: make(map[string]error),
		browserCh:   make(chan transport.Event, 64),
		sessionChs:  make(map[domain.SessionID]chan transport.Event),
	}
}

func (f *fakeConn) Send(_ context.Context, sessionID domain.SessionID, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{sessionID: sessionID, method: method, params: raw})
	if err := f.failMethods[method]; err != nil {
		return nil, err
	}
	switch method {
	case "Target.attachToTarget":
		f.sessionSeq++
		return json.RawMessage(fmt.Sprintf(`{"sessionId":"sess-%d"}`, f.sessionSeq)), nil
	case "Page.getFrameTree":
		return json.RawMessage(`{"frameTree":{"frame":{"id":"frame-main","loaderId":"l","securityOrigin":"","url":"about:blank","mimeType":""}}}`), nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (f *fakeConn) events(sessionID domain.SessionID) (<-chan transport.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == "" {
		return f.browserCh, func() {}
	}
	ch, ok := f.sessionChs[sessionID]
	if !ok {
		ch = make(chan transport.Event, 64)
		f.sessionChs[sessionID] = ch
	}
	return ch, func() {}
}

func (f *fakeConn) setFail(method string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.failMethods, method)
	} else {
		f.failMethods[method] = err
	}
	f.mu.Unlock()
}

func (f *fakeConn) push(ev transport.Event) {
	f.browserCh <- ev
}

func (f *fakeConn) pushSession(sessionID domain.SessionID, ev transport.Event) {
	f.mu.Lock()
	ch := f.sessionChs[sessionID]
	f.mu.Unlock()
	ch <- ev
}

// callsFor 按方法名过滤已记录的命令
func (f *fakeConn) callsFor(method string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestContext(t *testing.T, emu *domain.EmulateOptions) (*BrowserContext, *fakeConn) {
	t.Helper()
	f := newFakeConn()
	b := &Browser{conn: f, log: logger.NewNop(), counter: &pageCounter{}, emu: emu}
	b.defaultCtx = newBrowserContext(b, "", 0)
	t.Cleanup(func() { close(f.browserCh) })
	return b.defaultCtx, f
}

func pageInfo(id, url string) target.Info {
	return target.Info{TargetID: target.ID(id), Type: "page", URL: url}
}

func withOpener(info target.Info, opener string) target.Info {
	id := target.ID(opener)
	info.OpenerID = &id
	return info
}

func withContext(info target.Info, ctxID string) target.Info {
	c := pbrowser.ContextID(ctxID)
	info.BrowserContextID = &c
	return info
}

func createdEvent(t *testing.T, info target.Info) transport.Event {
	t.Helper()
	raw, err := json.Marshal(targetCreatedParams{TargetInfo: info})
	require.NoError(t, err)
	return transport.Event{Method: "Target.targetCreated", Params: raw}
}

func destroyedEvent(t *testing.T, id string) transport.Event {
	t.Helper()
	raw, err := json.Marshal(targetDestroyedParams{TargetID: target.ID(id)})
	require.NoError(t, err)
	return transport.Event{Method: "Target.targetDestroyed", Params: raw}
}

func infoChangedEvent(t *testing.T, info target.Info) transport.Event {
	t.Helper()
	raw, err := json.Marshal(targetInfoChangedParams{TargetInfo: info})
	require.NoError(t, err)
	return transport.Event{Method: "Target.targetInfoChanged", Params: raw}
}

func waitTracked(t *testing.T, bc *BrowserContext, id string) *Page {
	t.Helper()
	var pg *Page
	require.Eventually(t, func() bool {
		pg = bc.pages.byTarget(domain.TargetID(id))
		return pg != nil
	}, 2*time.Second, 5*time.Millisecond, "目标 %s 未被跟踪", id)
	return pg
}

func TestTrackerTracksNewPageTargets(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")
	f.push(createdEvent(t, pageInfo("t2", "https://example.com/")))
	p2 := waitTracked(t, bc, "t2")

	require.Equal(t, domain.SessionID("sess-1"), p1.SessionID())
	require.Equal(t, domain.SessionID("sess-2"), p2.SessionID())
	require.Equal(t, domain.FrameID("frame-main"), p1.FrameID())
	require.Less(t, p1.Index(), p2.Index())
	require.Equal(t, "https://example.com/", p2.URL())
	require.Len(t, bc.Pages(), 2)

	// 每个目标走一遍附加与域启用
	require.Len(t, f.callsFor("Target.attachToTarget"), 2)
	for _, method := range []string{"Page.enable", "Runtime.enable", "Network.enable", "Page.getFrameTree"} {
		require.Len(t, f.callsFor(method), 2, "方法 %s", method)
	}
}

func TestTrackerDuplicateCreatedKeepsSingleHandle(t *testing.T) {
	bc, f := newTestContext(t, nil)

	info := pageInfo("t1", "about:blank")
	f.push(createdEvent(t, info))
	f.push(createdEvent(t, info))
	f.push(createdEvent(t, pageInfo("t2", "about:blank"))) // 哨兵：确认前两条已处理
	waitTracked(t, bc, "t2")

	require.Len(t, bc.Pages(), 2)
	attaches := 0
	for _, c := range f.callsFor("Target.attachToTarget") {
		if gjson.GetBytes(c.params, "targetId").String() == "t1" {
			attaches++
		}
	}
	require.Equal(t, 1, attaches)
}

func TestTrackerSkipsAlreadyAttachedTargets(t *testing.T) {
	bc, f := newTestContext(t, nil)

	info := pageInfo("t1", "about:blank")
	info.Attached = true
	f.push(createdEvent(t, info))
	f.push(createdEvent(t, pageInfo("t2", "about:blank")))
	waitTracked(t, bc, "t2")

	require.Nil(t, bc.pages.byTarget("t1"))
}

func TestTrackerFiltersForeignContextsAndTypes(t *testing.T) {
	bc, f := newTestContext(t, nil)

	notified := make(chan *Page, 4)
	bc.OnPageCreated(func(p *Page) { notified <- p })

	f.push(createdEvent(t, withContext(pageInfo("t1", "about:blank"), "other-ctx")))
	worker := pageInfo("t2", "about:blank")
	worker.Type = "service_worker"
	f.push(createdEvent(t, worker))
	f.push(createdEvent(t, pageInfo("t3", "about:blank")))
	waitTracked(t, bc, "t3")

	require.Len(t, bc.Pages(), 1)
	require.Len(t, f.callsFor("Target.attachToTarget"), 1)
	// 只有属于本上下文的页面触发创建通知
	require.Equal(t, domain.TargetID("t3"), (<-notified).TargetID())
	require.Empty(t, notified)
}

func TestTrackerAttachFailureAbandonsOnlyThatTarget(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.setFail("Target.attachToTarget", errors.New("no such target"))
	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	f.push(createdEvent(t, pageInfo("t2", "about:blank"))) // 同样失败
	f.setFailAfterDrain(t, "Target.attachToTarget", 2)

	f.push(createdEvent(t, pageInfo("t3", "about:blank")))
	waitTracked(t, bc, "t3")
	require.Len(t, bc.Pages(), 1)
}

// setFailAfterDrain 等待注入的错误被消费 n 次后清除注入
func (f *fakeConn) setFailAfterDrain(t *testing.T, method string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.callsFor(method)) >= n
	}, 2*time.Second, 5*time.Millisecond)
	f.setFail(method, nil)
}

func TestTrackerEnableFailureAbandonsTarget(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.setFail("Network.enable", errors.New("session gone"))
	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	f.setFailAfterDrain(t, "Network.enable", 1)

	f.push(createdEvent(t, pageInfo("t2", "about:blank")))
	waitTracked(t, bc, "t2")
	require.Nil(t, bc.pages.byTarget("t1"))
}

func TestTrackerEmulationFailureDoesNotAbandon(t *testing.T) {
	emu := &domain.EmulateOptions{
		UserAgent: "TestAgent/1.0",
		Viewport:  &domain.Viewport{Width: 1280, Height: 720},
	}
	bc, f := newTestContext(t, emu)

	f.setFail("Emulation.setUserAgentOverride", errors.New("not supported"))
	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	waitTracked(t, bc, "t1")

	// 仿真失败只记日志，页面照常跟踪
	require.Len(t, f.callsFor("Emulation.setDeviceMetricsOverride"), 1)
	require.Len(t, f.callsFor("Emulation.setUserAgentOverride"), 1)
}

func TestTrackerDestroyRemovesHandle(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	f.push(destroyedEvent(t, "t1"))
	require.Eventually(t, func() bool { return len(bc.Pages()) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, p1.Closed())

	// 未知目标的销毁事件幂等无害
	f.push(destroyedEvent(t, "t1"))
	f.push(createdEvent(t, pageInfo("t2", "about:blank")))
	waitTracked(t, bc, "t2")

	require.ErrorIs(t, p1.Close(context.Background()), domain.ErrClosed)
	require.ErrorIs(t, p1.Navigate(context.Background(), "https://example.com/"), domain.ErrClosed)
}

func TestTrackerInfoChangedActivatesTrackedPage(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	activated := make(chan *Page, 4)
	id := bc.OnPageActivated(func(p *Page) { activated <- p })
	defer bc.OffPageActivated(id)

	// 未跟踪目标的信息变化被丢弃
	f.push(infoChangedEvent(t, pageInfo("ghost", "https://ghost/")))
	f.push(infoChangedEvent(t, pageInfo("t1", "https://example.com/next")))

	select {
	case p := <-activated:
		require.Same(t, p1, p)
		require.Equal(t, "https://example.com/next", p.URL())
	case <-time.After(2 * time.Second):
		t.Fatal("未收到激活通知")
	}
	select {
	case p := <-activated:
		t.Fatalf("幽灵目标不应触发通知: %v", p.TargetID())
	default:
	}
}

func TestPageByTarget(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	got, err := bc.PageByTarget("t1")
	require.NoError(t, err)
	require.Same(t, p1, got)

	_, err = bc.PageByTarget("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// 销毁后句柄不再可查
	f.push(destroyedEvent(t, "t1"))
	require.Eventually(t, func() bool {
		_, err := bc.PageByTarget("t1")
		return errors.Is(err, domain.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOnPageCreatedWatcher(t *testing.T) {
	bc, f := newTestContext(t, nil)

	created := make(chan *Page, 4)
	id := bc.OnPageCreated(func(p *Page) { created <- p })

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	select {
	case p := <-created:
		require.Equal(t, domain.TargetID("t1"), p.TargetID())
	case <-time.After(2 * time.Second):
		t.Fatal("未收到创建通知")
	}

	require.True(t, bc.OffPageCreated(id))
	f.push(createdEvent(t, pageInfo("t2", "about:blank")))
	waitTracked(t, bc, "t2")
	require.Empty(t, created)
}

func TestWaitForPageReturnsNewPage(t *testing.T) {
	bc, f := newTestContext(t, nil)

	p, err := bc.WaitForPage(context.Background(), func() error {
		f.push(createdEvent(t, pageInfo("t1", "about:blank")))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.TargetID("t1"), p.TargetID())
}

func TestWaitForPageTimesOut(t *testing.T) {
	bc, _ := newTestContext(t, nil)
	bc.SetDefaultTimeout(50 * time.Millisecond)

	_, err := bc.WaitForPage(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, domain.ErrTimeout)
}

func TestWaitForPageRejectsSecondWaiter(t *testing.T) {
	bc, _ := newTestContext(t, nil)
	bc.SetDefaultTimeout(50 * time.Millisecond)

	ch, err := bc.created.Arm()
	require.NoError(t, err)
	defer bc.created.Disarm(ch)

	_, err = bc.WaitForPage(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrWaitPending)
}

func TestWaitForPopup(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	popup, err := p1.WaitForPopup(context.Background(), func() error {
		f.push(createdEvent(t, withOpener(pageInfo("t2", "about:blank"), "t1")))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.TargetID("t2"), popup.TargetID())
	require.Equal(t, domain.TargetID("t1"), popup.OpenerID())
}

func TestContextRouteEnablesInterceptionOnNewPages(t *testing.T) {
	bc, f := newTestContext(t, nil)
	ctx := context.Background()

	// 页面出现前注册的上下文路由，在页面附加时立即生效
	require.NoError(t, bc.Route(ctx, "*", func(r *route.Route) error { return r.Continue() }))

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	enables := f.callsFor("Fetch.enable")
	require.Len(t, enables, 1)
	require.Equal(t, p1.SessionID(), enables[0].sessionID)

	// 最后一个路由注销后逐页关闭拦截
	require.NoError(t, bc.UnrouteAll(ctx))
	disables := f.callsFor("Fetch.disable")
	require.Len(t, disables, 1)
	require.Equal(t, p1.SessionID(), disables[0].sessionID)
}

func TestPageCredentialsToggleAuthInterception(t *testing.T) {
	bc, f := newTestContext(t, nil)
	ctx := context.Background()

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	require.NoError(t, p1.Route(ctx, "*", func(r *route.Route) error { return nil }))
	require.NoError(t, p1.SetHTTPCredentials(ctx, domain.Credentials{Username: "u", Password: "p"}))

	enables := f.callsFor("Fetch.enable")
	require.Len(t, enables, 2)
	require.False(t, gjson.GetBytes(enables[0].params, "handleAuthRequests").Bool())
	require.True(t, gjson.GetBytes(enables[1].params, "handleAuthRequests").Bool())

	// 清除凭据后仍有路由，拦截保持开启但不再接管认证
	require.NoError(t, p1.ClearHTTPCredentials(ctx))
	enables = f.callsFor("Fetch.enable")
	require.Len(t, enables, 3)
	require.False(t, gjson.GetBytes(enables[2].params, "handleAuthRequests").Bool())
	require.Empty(t, f.callsFor("Fetch.disable"))
}

func TestRequestPausedFlowsThroughContextRoutes(t *testing.T) {
	bc, f := newTestContext(t, nil)
	ctx := context.Background()

	require.NoError(t, bc.Route(ctx, "*api*", func(r *route.Route) error {
		return r.Fulfill(&traffic.Response{StatusCode: 503, Body: []byte("maintenance")})
	}))

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	paused, err := json.Marshal(fetch.RequestPausedReply{
		RequestID: "req-1",
		Request:   network.Request{URL: "https://example.com/api/list", Method: "GET"},
	})
	require.NoError(t, err)
	f.pushSession(p1.SessionID(), transport.Event{Method: "Fetch.requestPaused", Params: paused})

	require.Eventually(t, func() bool {
		return len(f.callsFor("Fetch.fulfillRequest")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// 不匹配的请求默认放行
	paused, err = json.Marshal(fetch.RequestPausedReply{
		RequestID: "req-2",
		Request:   network.Request{URL: "https://example.com/static/app.js", Method: "GET"},
	})
	require.NoError(t, err)
	f.pushSession(p1.SessionID(), transport.Event{Method: "Fetch.requestPaused", Params: paused})

	require.Eventually(t, func() bool {
		return len(f.callsFor("Fetch.continueRequest")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestContextCloseMarksPagesAndIsFinal(t *testing.T) {
	bc, f := newTestContext(t, nil)

	f.push(createdEvent(t, pageInfo("t1", "about:blank")))
	p1 := waitTracked(t, bc, "t1")

	require.NoError(t, bc.Close(context.Background()))
	require.True(t, p1.Closed())
	// 默认上下文没有浏览器侧隔离上下文可释放
	require.Empty(t, f.callsFor("Target.disposeBrowserContext"))

	require.ErrorIs(t, bc.Close(context.Background()), domain.ErrClosed)
	_, err := bc.WaitForPage(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrClosed)
}
