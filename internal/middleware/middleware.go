// Package middleware 将浏览器渲染接入爬取流程
//
// BrowserMiddleware 拦截 *models.BrowserRequest,从驱动池中按代理取得浏览器,
// 加载页面并执行等待/截图/脚本等后置指令,返回合成的 *models.Response。
// 其他请求原样放行,由调用方继续走普通HTTP下载。
//
// Transport 把同样的逻辑包装为 http.RoundTripper,供 colly 使用。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/config"
	"github.com/RecoveryAshes/rodmiddleware/internal/drivers"
	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/pool"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
)

// pingTimeout 判断会话是否存活的超时
const pingTimeout = 5 * time.Second

// Options 中间件参数
type Options struct {
	MaxDrivers   int           // 同时存活的驱动上限
	PollInterval time.Duration // 等待条件轮询间隔
	Retry        RetryPolicy

	// ResourceMonitor 可选,由中间件在关闭时停止
	ResourceMonitor *pool.ResourceMonitor
}

// BrowserMiddleware 浏览器下载中间件
type BrowserMiddleware struct {
	pool *pool.DriverPool
	opts Options

	closeOnce sync.Once
}

// New 使用驱动工厂创建中间件
func New(factory drivers.Factory, opts Options) (*BrowserMiddleware, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultRetryPolicy()
	}

	var poolOpts []pool.Option
	if opts.ResourceMonitor != nil {
		poolOpts = append(poolOpts, pool.WithResourceMonitor(opts.ResourceMonitor))
	}

	p, err := pool.NewDriverPool(opts.MaxDrivers, factory, poolOpts...)
	if err != nil {
		return nil, err
	}

	return &BrowserMiddleware{pool: p, opts: opts}, nil
}

// FromConfig 根据配置创建中间件
// 缺少必需配置时返回*models.NotConfiguredError,此时不会创建驱动池
func FromConfig(cfg *config.Config) (*BrowserMiddleware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driverOpts, err := cfg.DriverOptions()
	if err != nil {
		return nil, err
	}
	factory, err := drivers.NewFactory(driverOpts)
	if err != nil {
		return nil, err
	}

	maxDrivers := cfg.Browser.MaxConcurrentDriver
	var rm *pool.ResourceMonitor
	if cfg.Resource.AutoLimit {
		rm = pool.NewResourceMonitor(cfg.ResourceMonitorConfig())
		rm.StartMonitoring(time.Second)
		if limited := rm.CalculateMaxDrivers(maxDrivers); limited < maxDrivers {
			utils.Warnf("根据系统资源将驱动上限从%d调整为%d", maxDrivers, limited)
			maxDrivers = limited
		}
	}

	mw, err := New(factory, Options{
		MaxDrivers:   maxDrivers,
		PollInterval: cfg.Wait.PollInterval,
		Retry: RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		ResourceMonitor: rm,
	})
	if err != nil {
		if rm != nil {
			rm.StopMonitoring()
		}
		return nil, err
	}

	utils.Infof("浏览器中间件已启用: 驱动=%s, 驱动上限=%d", driverOpts.Kind, maxDrivers)
	return mw, nil
}

// Pool 返回底层驱动池
func (m *BrowserMiddleware) Pool() *pool.DriverPool {
	return m.pool
}

// MaxDrivers 实际生效的驱动上限
func (m *BrowserMiddleware) MaxDrivers() int {
	return m.pool.MaxSize()
}

// ProcessRequest 处理请求
// 非浏览器请求返回(nil, nil),表示不处理
func (m *BrowserMiddleware) ProcessRequest(ctx context.Context, req models.Requester) (*models.Response, error) {
	br, ok := req.(*models.BrowserRequest)
	if !ok || br == nil {
		return nil, nil
	}
	if err := br.Validate(); err != nil {
		return nil, err
	}

	proxy := br.Proxy()
	return retrySessionBroken(ctx, m.opts.Retry, func(attempt int) (*models.Response, error) {
		return m.process(ctx, br, proxy, attempt)
	})
}

func (m *BrowserMiddleware) process(ctx context.Context, br *models.BrowserRequest, proxy string, attempt int) (*models.Response, error) {
	lease, err := m.pool.Acquire(ctx, proxy)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := m.drive(ctx, lease.Driver, br, proxy)
	lease.Unlock()

	if err != nil {
		if m.sessionBroken(ctx, lease.Driver, err) {
			utils.Warnf("浏览器会话已断开,驱逐驱动: 代理=%s, URL=%s", utils.RedactProxy(proxy), br.URL)
			m.pool.Discard(lease)
			err = markBroken(err)
		}
		return nil, err
	}

	utils.Debugf("浏览器渲染完成: %s -> %s (代理=%s, 第%d次尝试, 耗时%s)",
		br.URL, resp.URL, utils.RedactProxy(proxy), attempt, time.Since(start).Round(time.Millisecond))
	return resp, nil
}

// drive 在已加锁的驱动上执行请求
func (m *BrowserMiddleware) drive(ctx context.Context, d models.Driver, br *models.BrowserRequest, proxy string) (*models.Response, error) {
	fail := func(op string, err error) error {
		return &models.DriverError{Op: op, URL: br.URL, Proxy: proxy, Err: err}
	}

	meta := map[string]any{
		models.MetaDriver: d,
		models.MetaProxy:  proxy,
	}

	// 驱动按代理共享,每次请求都重置额外头部
	if err := d.SetExtraHeaders(ctx, br.Headers); err != nil {
		return nil, fail("headers", err)
	}

	if action := br.Action(); action != nil {
		if err := action.Func(ctx, br.URL, d, action.Args); err != nil {
			return nil, fail("action", err)
		}
		if err := m.injectCookies(ctx, d, br); err != nil {
			return nil, fail("cookies", err)
		}
	} else {
		dir := br.Directives()

		if err := d.Navigate(ctx, br.URL); err != nil {
			return nil, fail("navigate", err)
		}
		if err := m.injectCookies(ctx, d, br); err != nil {
			return nil, fail("cookies", err)
		}
		if dir.WaitUntil != nil {
			if err := waitFor(ctx, d, dir.WaitUntil, dir.WaitTimeout, m.opts.PollInterval); err != nil {
				return nil, fail("wait", err)
			}
		}
		if dir.Screenshot {
			png, err := d.Screenshot(ctx)
			if err != nil {
				return nil, fail("screenshot", err)
			}
			meta[models.MetaScreenshot] = png
		}
		if dir.Script != "" {
			if err := d.ExecuteScript(ctx, dir.Script); err != nil {
				return nil, fail("script", err)
			}
		}
	}

	html, err := d.PageSource(ctx)
	if err != nil {
		return nil, fail("page_source", err)
	}
	current, err := d.CurrentURL(ctx)
	if err != nil {
		return nil, fail("page_source", err)
	}

	return &models.Response{
		URL:      current,
		Status:   http.StatusOK,
		Body:     []byte(html),
		Encoding: "utf-8",
		Request:  br,
		Meta:     meta,
	}, nil
}

// injectCookies 将请求中的Cookie写入浏览器会话
func (m *BrowserMiddleware) injectCookies(ctx context.Context, d models.Driver, br *models.BrowserRequest) error {
	if len(br.Cookies) == 0 {
		return nil
	}

	names := make([]string, 0, len(br.Cookies))
	for name := range br.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	cookies := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		cookies = append(cookies, &http.Cookie{Name: name, Value: br.Cookies[name]})
	}
	return d.SetCookies(ctx, br.URL, cookies)
}

// sessionBroken 判断失败是否由会话断开引起
// 调用方已取消时不做判断
func (m *BrowserMiddleware) sessionBroken(ctx context.Context, d models.Driver, err error) bool {
	if models.IsSessionBroken(err) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
	defer cancel()
	return d.Ping(pingCtx) != nil
}

// markBroken 确保错误链中包含ErrSessionBroken,保留原有的DriverError
func markBroken(err error) error {
	if models.IsSessionBroken(err) {
		return err
	}
	var de *models.DriverError
	if errors.As(err, &de) {
		de.Err = fmt.Errorf("%w: %w", models.ErrSessionBroken, de.Err)
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrSessionBroken, err)
}

// SpiderClosed 关闭所有驱动,重复调用无副作用
func (m *BrowserMiddleware) SpiderClosed() {
	m.closeOnce.Do(func() {
		_ = m.pool.Close()
		if m.opts.ResourceMonitor != nil {
			m.opts.ResourceMonitor.StopMonitoring()
		}
		utils.Infof("浏览器中间件已关闭")
	})
}
