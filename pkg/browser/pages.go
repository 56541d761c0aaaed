package browser

import (
	"sync"

	"cdpdriver/pkg/domain"
)

// pageList 共享的页面跟踪列表，所有访问经由持锁方法。
// 不变量：同一 targetID 在列表中至多出现一次。
type pageList struct {
	mu    sync.RWMutex
	items []*Page
}

func newPageList() *pageList {
	return &pageList{}
}

func (l *pageList) add(p *Page) {
	l.mu.Lock()
	l.items = append(l.items, p)
	l.mu.Unlock()
}

// remove 按 targetID 移除并返回对应页面，不存在时返回 nil（幂等）
func (l *pageList) remove(id domain.TargetID) *Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.items {
		if p.targetID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return p
		}
	}
	return nil
}

func (l *pageList) byTarget(id domain.TargetID) *Page {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.items {
		if p.targetID == id {
			return p
		}
	}
	return nil
}

func (l *pageList) snapshot() []*Page {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Page, len(l.items))
	copy(out, l.items)
	return out
}
