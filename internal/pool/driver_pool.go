// Package pool 管理按代理划分的浏览器驱动池
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RecoveryAshes/rodmiddleware/internal/drivers"
	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// entry 池中的一个驱动
type entry struct {
	proxy  string
	driver models.Driver

	// mu 同一时刻只允许一个请求驱动页面
	mu sync.Mutex

	// retired 已从池中移除,持有者不应继续使用
	retired atomic.Bool
}

// Lease 从池中取得的驱动租约
type Lease struct {
	Driver models.Driver
	Proxy  string

	entry *entry
}

// Lock 独占驱动,与同一代理的其他请求串行
func (l *Lease) Lock() {
	l.entry.mu.Lock()
}

// Unlock 释放独占
func (l *Lease) Unlock() {
	l.entry.mu.Unlock()
}

// Retired 驱动是否已被驱逐
func (l *Lease) Retired() bool {
	return l.entry.retired.Load()
}

// DriverPool 驱动池管理器
// 职责: 以代理为键缓存驱动,超出容量时驱逐最久未使用的驱动并关闭
type DriverPool struct {
	factory drivers.Factory

	// 资源监控器,可为nil
	resourceMonitor *ResourceMonitor

	// 保护lru、evicted与closed
	mu  sync.Mutex
	lru *simplelru.LRU[string, *entry]

	// 驱逐回调收集的条目,解锁后统一关闭
	evicted []*entry

	// 合并同一代理的并发创建
	group singleflight.Group

	maxSize int
	closed  bool
}

// Option 驱动池选项
type Option func(*DriverPool)

// WithResourceMonitor 创建驱动前检查系统资源
func WithResourceMonitor(rm *ResourceMonitor) Option {
	return func(p *DriverPool) {
		p.resourceMonitor = rm
	}
}

// NewDriverPool 创建驱动池实例,maxSize为同时存活的驱动上限
func NewDriverPool(maxSize int, factory drivers.Factory, opts ...Option) (*DriverPool, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("驱动池大小必须大于0: %d", maxSize)
	}
	if factory == nil {
		return nil, fmt.Errorf("驱动工厂不能为空")
	}

	p := &DriverPool{
		factory: factory,
		maxSize: maxSize,
	}
	for _, opt := range opts {
		opt(p)
	}

	// 驱逐回调在p.mu下执行,只做标记与收集
	lru, err := simplelru.NewLRU[string, *entry](maxSize, func(_ string, e *entry) {
		e.retired.Store(true)
		p.evicted = append(p.evicted, e)
	})
	if err != nil {
		return nil, fmt.Errorf("创建LRU缓存失败: %w", err)
	}
	p.lru = lru

	return p, nil
}

// GetOrCreate 获取代理对应的驱动,不存在时创建
// 新驱动插入后超出容量时,最久未使用的驱动在本方法返回前被关闭
func (p *DriverPool) GetOrCreate(ctx context.Context, proxy string) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.ErrPoolClosed
	}
	if e, ok := p.lru.Get(proxy); ok {
		p.mu.Unlock()
		return newLease(e), nil
	}
	p.mu.Unlock()

	// 驱动归池所有,创建不随某个调用方取消;各调用方只按自己的ctx放弃等待
	createCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(proxy, func() (any, error) {
		return p.create(createCtx, proxy)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Msgf("复用并发创建的驱动: 代理=%q", proxy)
		}
		return newLease(res.Val.(*entry)), nil
	}
}

// Acquire 获取驱动并加锁
// 等待期间驱动被驱逐时重新获取
func (p *DriverPool) Acquire(ctx context.Context, proxy string) (*Lease, error) {
	for {
		lease, err := p.GetOrCreate(ctx, proxy)
		if err != nil {
			return nil, err
		}
		lease.Lock()
		if !lease.Retired() {
			return lease, nil
		}
		lease.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug().Msgf("驱动在等待期间被驱逐,重新获取: 代理=%q", proxy)
	}
}

func (p *DriverPool) create(ctx context.Context, proxy string) (*entry, error) {
	// 另一轮创建可能刚刚完成
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.ErrPoolClosed
	}
	if e, ok := p.lru.Get(proxy); ok {
		p.mu.Unlock()
		return e, nil
	}
	size := p.lru.Len()
	p.mu.Unlock()

	if p.resourceMonitor != nil {
		if ok, reason := p.resourceMonitor.CheckResourceAvailability(); !ok {
			log.Warn().Msgf("资源紧张时创建驱动: %s", reason)
		}
	}

	d, err := p.factory(ctx, proxy)
	if err != nil {
		log.Error().Err(err).Msgf("创建驱动失败: 代理=%q", proxy)
		return nil, err
	}
	e := &entry{proxy: proxy, driver: d}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		quitDriver(d)
		return nil, models.ErrPoolClosed
	}
	p.lru.Add(proxy, e)
	evicted := p.takeEvicted()
	p.mu.Unlock()

	log.Debug().Msgf("创建新驱动: 代理=%q, 当前驱动数: %d, 最大限制: %d", proxy, size+1-len(evicted), p.maxSize)

	// 容量驱逐等待正在使用该驱动的请求完成
	for _, old := range evicted {
		log.Info().Msgf("驱逐最久未使用的驱动: 代理=%q", old.proxy)
		old.mu.Lock()
		quitDriver(old.driver)
		old.mu.Unlock()
	}

	return e, nil
}

// Evict 移除代理对应的驱动并关闭
func (p *DriverPool) Evict(proxy string) bool {
	p.mu.Lock()
	removed := p.lru.Remove(proxy)
	evicted := p.takeEvicted()
	p.mu.Unlock()

	p.quitAll(evicted)
	return removed
}

// Discard 移除租约对应的驱动
// 同一代理已经换成新驱动时只关闭租约中的旧驱动
func (p *DriverPool) Discard(l *Lease) {
	p.mu.Lock()
	if cur, ok := p.lru.Peek(l.Proxy); ok && cur == l.entry {
		p.lru.Remove(l.Proxy)
	}
	evicted := p.takeEvicted()
	p.mu.Unlock()

	if len(evicted) == 0 && l.entry.retired.CompareAndSwap(false, true) {
		evicted = append(evicted, l.entry)
	}
	p.quitAll(evicted)
}

// Clear 驱逐并关闭所有驱动,不等待正在进行的请求
func (p *DriverPool) Clear() {
	p.mu.Lock()
	p.lru.Purge()
	evicted := p.takeEvicted()
	p.mu.Unlock()

	if len(evicted) > 0 {
		log.Info().Msgf("清空驱动池,关闭%d个驱动", len(evicted))
	}
	p.quitAll(evicted)
}

// Close 关闭驱动池,释放所有资源
// 之后的GetOrCreate返回ErrPoolClosed,重复调用无副作用
func (p *DriverPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.Clear()
	log.Info().Msg("驱动池已关闭")
	return nil
}

// Len 当前存活的驱动数
func (p *DriverPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Keys 当前所有代理键,从最久未使用到最近使用
func (p *DriverPool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Keys()
}

// Contains 是否存在代理对应的驱动,不影响使用顺序
func (p *DriverPool) Contains(proxy string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Contains(proxy)
}

// MaxSize 驱动数上限
func (p *DriverPool) MaxSize() int {
	return p.maxSize
}

// takeEvicted 取出回调收集的条目,调用方需持有p.mu
func (p *DriverPool) takeEvicted() []*entry {
	evicted := p.evicted
	p.evicted = nil
	return evicted
}

func (p *DriverPool) quitAll(entries []*entry) {
	for _, e := range entries {
		quitDriver(e.driver)
	}
}

func newLease(e *entry) *Lease {
	return &Lease{Driver: e.driver, Proxy: e.proxy, entry: e}
}

// quitDriver 关闭驱动,失败只记录警告
func quitDriver(d models.Driver) {
	if err := d.Quit(); err != nil {
		log.Warn().Err(err).Msgf("关闭驱动失败: 代理=%q", d.Proxy())
	}
}
