package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"cdpdriver/internal/logger"
	"cdpdriver/pkg/domain"
)

// Bus 单类通知在一个作用域内的扇出：
// 任意多个常驻观察者，外加至多一个未决的一次性等待槽。
type Bus[T any] struct {
	log logger.Logger

	mu       sync.Mutex
	watchers map[string]func(T)
	pending  chan T
}

// New 创建空总线
func New[T any](log logger.Logger) *Bus[T] {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus[T]{
		log:      log,
		watchers: make(map[string]func(T)),
	}
}

// Watch 注册常驻观察者，返回用于注销的标识
func (b *Bus[T]) Watch(fn func(T)) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.watchers[id] = fn
	b.mu.Unlock()
	return id
}

// Unwatch 注销观察者，存在时返回 true
func (b *Bus[T]) Unwatch(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watchers[id]; !ok {
		return false
	}
	delete(b.watchers, id)
	return true
}

// Arm 装载一次性等待槽。同一时刻只允许一个未决等待，
// 重复装载返回 ErrWaitPending。
func (b *Bus[T]) Arm() (<-chan T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		return nil, domain.ErrWaitPending
	}
	b.pending = make(chan T, 1)
	return b.pending, nil
}

// Disarm 撤销未决等待，只清除 ch 自己装载的槽位。
// 发布方已抢先取走槽位、或槽位已被新的等待者占用时无事发生，
// 迟到的撤销不会波及后续等待。
func (b *Bus[T]) Disarm(ch <-chan T) {
	b.mu.Lock()
	if b.pending == ch {
		b.pending = nil
	}
	b.mu.Unlock()
}

// Publish 发布一条通知：先以取走即清空的方式兑现等待槽，
// 再在锁外逐个调用观察者。
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	fns := make([]func(T), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	if pending != nil {
		pending <- v
	}
	for _, fn := range fns {
		fn(v)
	}
}
