package browser

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mafredri/cdp/protocol/emulation"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/target"

	"cdpdriver/internal/logger"
	"cdpdriver/internal/transport"
	"cdpdriver/pkg/domain"
)

const trackerCommandTimeout = 10 * time.Second

// 目标事件的参数载荷。事件流按原始 JSON 到达，
// 解码失败视为无法理解的事件，静默丢弃。
type targetCreatedParams struct {
	TargetInfo target.Info `json:"targetInfo"`
}

type targetDestroyedParams struct {
	TargetID target.ID `json:"targetId"`
}

type targetInfoChangedParams struct {
	TargetInfo target.Info `json:"targetInfo"`
}

// tracker 目标生命周期跟踪器：页面句柄诞生与移除的唯一路径。
// 无论页面是本引擎主动创建还是外部出现（弹窗、window.open），
// 都经由同一条 targetCreated 路径建立跟踪，不存在任何对账逻辑。
type tracker struct {
	bc     *BrowserContext
	events <-chan transport.Event
	log    logger.Logger
}

// run 事件循环，随订阅结束（连接断开或上下文关闭）而退出
func (t *tracker) run() {
	t.log.Debug("目标跟踪循环启动")
	for ev := range t.events {
		switch ev.Method {
		case "Target.targetCreated":
			var p targetCreatedParams
			if err := json.Unmarshal(ev.Params, &p); err != nil {
				continue
			}
			t.onCreated(p.TargetInfo)
		case "Target.targetDestroyed":
			var p targetDestroyedParams
			if err := json.Unmarshal(ev.Params, &p); err != nil {
				continue
			}
			t.onDestroyed(domain.TargetID(p.TargetID))
		case "Target.targetInfoChanged":
			var p targetInfoChangedParams
			if err := json.Unmarshal(ev.Params, &p); err != nil {
				continue
			}
			t.onInfoChanged(p.TargetInfo)
		}
	}
	t.log.Debug("事件流结束，目标跟踪循环退出")
}

// matchesContext 上下文过滤：空 contextID 只认领无上下文标注的目标
func (t *tracker) matchesContext(info target.Info) bool {
	ctxID := domain.BrowserContextID("")
	if info.BrowserContextID != nil {
		ctxID = domain.BrowserContextID(*info.BrowserContextID)
	}
	return ctxID == t.bc.id
}

// onCreated 附加并跟踪一个新的页面型目标。
// 任一环节失败只放弃该目标，不影响循环和其他页面。
func (t *tracker) onCreated(info target.Info) {
	if info.Type != "page" {
		return
	}
	if !t.matchesContext(info) {
		return
	}
	if info.Attached {
		// 已有会话附加（本引擎附加中或已跟踪），跳过
		return
	}
	targetID := domain.TargetID(info.TargetID)
	if t.bc.pages.byTarget(targetID) != nil {
		// 重复事件，列表是单句柄不变量的最终依据
		return
	}

	ctx, cancel := context.WithTimeout(t.bc.ctx, trackerCommandTimeout)
	defer cancel()

	flatten := true
	var attached target.AttachToTargetReply
	err := transport.SendInto(ctx, t.bc.conn, "", "Target.attachToTarget", &target.AttachToTargetArgs{
		TargetID: info.TargetID,
		Flatten:  &flatten,
	}, &attached)
	if err != nil {
		t.log.Err(err, "附加目标失败，放弃跟踪", "target", string(targetID))
		return
	}
	sessionID := domain.SessionID(attached.SessionID)

	for _, method := range []string{"Page.enable", "Runtime.enable", "Network.enable"} {
		if _, err := t.bc.conn.Send(ctx, sessionID, method, nil); err != nil {
			t.log.Err(err, "启用协议域失败，放弃跟踪", "target", string(targetID), "method", method)
			return
		}
	}

	t.applyEmulation(ctx, sessionID)

	var frameTree page.GetFrameTreeReply
	if err := transport.SendInto(ctx, t.bc.conn, sessionID, "Page.getFrameTree", nil, &frameTree); err != nil {
		t.log.Err(err, "解析主框架失败，放弃跟踪", "target", string(targetID))
		return
	}

	pg := newPage(t.bc, info, sessionID, domain.FrameID(frameTree.FrameTree.Frame.ID), t.bc.browser.counter.next())
	t.bc.pages.add(pg)
	go pg.run()

	// 上下文作用域已有路由或凭据时，立即为新页面开启拦截，
	// 避免漏掉早期请求
	if err := pg.ApplyInterception(ctx); err != nil {
		t.log.Warn("新页面拦截开关同步失败", "target", string(targetID), "error", err)
	}

	t.log.Info("页面已跟踪", "target", string(targetID), "session", string(sessionID), "index", pg.pageIndex, "url", info.URL)
	t.bc.created.Publish(pg)

	if info.OpenerID != nil {
		if opener := t.bc.pages.byTarget(domain.TargetID(*info.OpenerID)); opener != nil {
			opener.popup.Publish(pg)
		}
	}
}

// onDestroyed 从跟踪列表移除页面，不存在时不做任何事
func (t *tracker) onDestroyed(targetID domain.TargetID) {
	pg := t.bc.pages.remove(targetID)
	if pg == nil {
		return
	}
	pg.markClosed()
	t.log.Info("页面已销毁", "target", string(targetID))
}

// onInfoChanged 已跟踪页面的信息变化即激活信号；
// 未跟踪的目标可能正在创建途中，属预期竞争，丢弃即可
func (t *tracker) onInfoChanged(info target.Info) {
	if info.Type != "page" || !t.matchesContext(info) {
		return
	}
	pg := t.bc.pages.byTarget(domain.TargetID(info.TargetID))
	if pg == nil {
		t.log.Trace("未跟踪目标的信息变化，丢弃", "target", string(info.TargetID))
		return
	}
	pg.setURL(info.URL)
	t.bc.activated.Publish(pg)
}

// applyEmulation 尽力应用仿真设置，失败只记日志不阻断页面创建
func (t *tracker) applyEmulation(ctx context.Context, sessionID domain.SessionID) {
	emu := t.bc.browser.emu
	if emu == nil {
		return
	}
	send := func(method string, params any) {
		if _, err := t.bc.conn.Send(ctx, sessionID, method, params); err != nil {
			t.log.Warn("仿真设置应用失败", "method", method, "error", err)
		}
	}
	if v := emu.Viewport; v != nil {
		scale := v.Scale
		if scale <= 0 {
			scale = 1
		}
		send("Emulation.setDeviceMetricsOverride", &emulation.SetDeviceMetricsOverrideArgs{
			Width:             v.Width,
			Height:            v.Height,
			DeviceScaleFactor: scale,
			Mobile:            v.Mobile,
		})
	}
	if emu.UserAgent != "" {
		send("Emulation.setUserAgentOverride", &emulation.SetUserAgentOverrideArgs{UserAgent: emu.UserAgent})
	}
	if emu.Locale != "" {
		locale := emu.Locale
		send("Emulation.setLocaleOverride", &emulation.SetLocaleOverrideArgs{Locale: &locale})
	}
	if emu.TimezoneID != "" {
		send("Emulation.setTimezoneOverride", &emulation.SetTimezoneOverrideArgs{TimezoneID: emu.TimezoneID})
	}
	if g := emu.Geolocation; g != nil {
		lat, lon, acc := g.Latitude, g.Longitude, g.Accuracy
		send("Emulation.setGeolocationOverride", &emulation.SetGeolocationOverrideArgs{
			Latitude:  &lat,
			Longitude: &lon,
			Accuracy:  &acc,
		})
	}
}
