package pool

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/drivers/drivertest"
	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, size int) (*DriverPool, *drivertest.Factory) {
	t.Helper()
	f := drivertest.NewFactory()
	p, err := NewDriverPool(size, f.New)
	if err != nil {
		t.Fatalf("创建驱动池失败: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

func TestNewDriverPool_InvalidArgs(t *testing.T) {
	f := drivertest.NewFactory()
	if _, err := NewDriverPool(0, f.New); err == nil {
		t.Error("期望大小为0时返回错误")
	}
	if _, err := NewDriverPool(1, nil); err == nil {
		t.Error("期望工厂为空时返回错误")
	}
}

func TestGetOrCreate_HitAndMiss(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 2)

	l1, err := p.GetOrCreate(ctx, "http://p1:8080")
	if err != nil {
		t.Fatalf("GetOrCreate失败: %v", err)
	}
	l2, err := p.GetOrCreate(ctx, "http://p2:8080")
	if err != nil {
		t.Fatalf("GetOrCreate失败: %v", err)
	}
	if l1.Driver == l2.Driver {
		t.Fatal("不同代理应使用不同驱动")
	}

	again, err := p.GetOrCreate(ctx, "http://p1:8080")
	if err != nil {
		t.Fatalf("GetOrCreate失败: %v", err)
	}
	if again.Driver != l1.Driver {
		t.Error("相同代理应命中缓存")
	}
	if got := f.Created("http://p1:8080"); got != 1 {
		t.Errorf("期望p1只创建1次, 实际%d次", got)
	}
	if p.Len() != 2 {
		t.Errorf("期望2个驱动, 实际%d个", p.Len())
	}
	if l1.Driver.Proxy() != "http://p1:8080" {
		t.Errorf("驱动代理不正确: %q", l1.Driver.Proxy())
	}
}

func TestGetOrCreate_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 3)

	for _, proxy := range []string{"a", "b", "c"} {
		if _, err := p.GetOrCreate(ctx, proxy); err != nil {
			t.Fatalf("GetOrCreate(%q)失败: %v", proxy, err)
		}
	}
	// 访问a使b成为最久未使用
	if _, err := p.GetOrCreate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetOrCreate(ctx, "d"); err != nil {
		t.Fatal(err)
	}

	quits := 0
	for _, d := range f.Drivers() {
		quits += d.QuitCount()
	}
	if quits != 1 {
		t.Fatalf("期望恰好1次驱逐, 实际%d次", quits)
	}
	if f.Last("b").QuitCount() != 1 {
		t.Error("被驱逐的应该是b")
	}
	if p.Contains("b") {
		t.Error("b不应再在池中")
	}
	want := []string{"c", "a", "d"}
	if got := p.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, 期望 %v", got, want)
	}
}

func TestGetOrCreate_SizeOneReplacesEntry(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 1)

	if _, err := p.GetOrCreate(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetOrCreate(ctx, "socks://x"); err != nil {
		t.Fatal(err)
	}

	if f.Last("").QuitCount() != 1 {
		t.Error("直连驱动应在返回前被关闭")
	}
	if got := p.Keys(); !reflect.DeepEqual(got, []string{"socks://x"}) {
		t.Errorf("Keys() = %v, 期望只有socks://x", got)
	}
}

func TestGetOrCreate_FactoryFailureLeavesPoolUnchanged(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 1)

	if _, err := p.GetOrCreate(ctx, "ok"); err != nil {
		t.Fatal(err)
	}
	f.FailFor("bad", true)

	_, err := p.GetOrCreate(ctx, "bad")
	var de *models.DriverError
	if !errors.As(err, &de) || de.Op != "create" {
		t.Fatalf("期望创建失败的DriverError, 实际: %v", err)
	}
	if !reflect.DeepEqual(p.Keys(), []string{"ok"}) {
		t.Errorf("创建失败后池不应变化: %v", p.Keys())
	}
	if f.Last("ok").QuitCount() != 0 {
		t.Error("创建失败不应驱逐已有驱动")
	}
}

func TestGetOrCreate_ConcurrentSameProxyCreatesOnce(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	fake := drivertest.NewFactory()

	p, err := NewDriverPool(4, func(ctx context.Context, proxy string) (models.Driver, error) {
		calls.Add(1)
		<-gate
		return fake.New(ctx, proxy)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	const workers = 16
	results := make([]models.Driver, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.GetOrCreate(context.Background(), "shared")
			if err != nil {
				t.Errorf("GetOrCreate失败: %v", err)
				return
			}
			results[i] = l.Driver
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("期望只创建1次, 实际%d次", calls.Load())
	}
	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatal("所有调用方应拿到同一个驱动")
		}
	}
}

func TestGetOrCreate_CancelledCallerDoesNotFailOthers(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	fake := drivertest.NewFactory()

	p, err := NewDriverPool(2, func(ctx context.Context, proxy string) (models.Driver, error) {
		once.Do(func() { close(started) })
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return fake.New(ctx, proxy)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := p.GetOrCreate(ctxA, "px")
		errA <- err
	}()
	<-started

	type result struct {
		lease *Lease
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		l, err := p.GetOrCreate(context.Background(), "px")
		resB <- result{l, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("被取消的调用方应返回context.Canceled, 实际: %v", err)
	}

	close(gate)
	b := <-resB
	if b.err != nil {
		t.Fatalf("未取消的调用方不应失败: %v", b.err)
	}
	if b.lease.Driver.Proxy() != "px" {
		t.Errorf("驱动代理不正确: %q", b.lease.Driver.Proxy())
	}
	if fake.Created("px") != 1 {
		t.Errorf("期望只创建1次, 实际%d次", fake.Created("px"))
	}
	if !p.Contains("px") {
		t.Error("创建完成的驱动应留在池中")
	}
}

func TestClear_QuitsEachDriverOnce(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 4)

	for _, proxy := range []string{"", "a", "b"} {
		if _, err := p.GetOrCreate(ctx, proxy); err != nil {
			t.Fatal(err)
		}
	}

	p.Clear()
	p.Clear()

	for _, d := range f.Drivers() {
		if d.QuitCount() != 1 {
			t.Errorf("驱动%q Quit次数=%d, 期望1", d.ProxyAddr, d.QuitCount())
		}
	}
	if p.Len() != 0 {
		t.Errorf("Clear后池应为空, 实际%d", p.Len())
	}

	// Clear后仍可使用
	if _, err := p.GetOrCreate(ctx, "a"); err != nil {
		t.Errorf("Clear后GetOrCreate失败: %v", err)
	}
}

func TestClose_RejectsNewRequests(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 2)

	if _, err := p.GetOrCreate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := p.GetOrCreate(ctx, "a"); !errors.Is(err, models.ErrPoolClosed) {
		t.Errorf("期望ErrPoolClosed, 实际: %v", err)
	}
	if f.Last("a").QuitCount() != 1 {
		t.Errorf("Close应关闭驱动恰好一次, 实际%d次", f.Last("a").QuitCount())
	}
}

func TestEvictAndDiscard(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 2)

	old, err := p.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Evict("a") {
		t.Fatal("Evict应返回true")
	}
	if p.Evict("a") {
		t.Error("重复Evict应返回false")
	}
	if !old.Retired() {
		t.Error("被驱逐的租约应标记为retired")
	}

	fresh, err := p.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}

	// 旧租约不能驱逐新驱动
	p.Discard(old)
	if !p.Contains("a") || fresh.Retired() {
		t.Error("Discard旧租约不应影响新驱动")
	}
	if got := f.Drivers()[0].QuitCount(); got != 1 {
		t.Errorf("旧驱动Quit次数=%d, 期望1", got)
	}

	p.Discard(fresh)
	if p.Contains("a") {
		t.Error("Discard当前租约应移除驱动")
	}
	if got := f.Last("a").QuitCount(); got != 1 {
		t.Errorf("新驱动Quit次数=%d, 期望1", got)
	}
}

func TestAcquire_RefetchesAfterEviction(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 2)

	held, err := p.Acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(ctx, "a")
		if err != nil {
			t.Errorf("Acquire失败: %v", err)
		}
		got <- l
	}()

	time.Sleep(20 * time.Millisecond)
	p.Evict("a")
	held.Unlock()

	l := <-got
	defer l.Unlock()
	if l.Driver == held.Driver {
		t.Error("等待期间驱动被驱逐,应拿到新驱动")
	}
	if f.Created("a") != 2 {
		t.Errorf("期望创建2次, 实际%d次", f.Created("a"))
	}
}

func TestCapacityEvictionWaitsForActiveLease(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 1)

	held, err := p.Acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.GetOrCreate(ctx, "b"); err != nil {
			t.Errorf("GetOrCreate失败: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("驱逐正在使用的驱动时应等待其释放")
	case <-time.After(50 * time.Millisecond):
	}
	if f.Last("a").QuitCount() != 0 {
		t.Fatal("使用中的驱动不应被关闭")
	}

	held.Unlock()
	<-done
	if f.Last("a").QuitCount() != 1 {
		t.Error("释放后驱动应在GetOrCreate返回前关闭")
	}
}
