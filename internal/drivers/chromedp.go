package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// chromedpDriver 基于chromedp的驱动
// 每个驱动拥有独立的allocator,本地模式下即独立的浏览器进程
type chromedpDriver struct {
	proxy string

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	closed   atomic.Bool
	quitOnce sync.Once
	quitErr  error
}

func newChromedpDriver(ctx context.Context, opts Options, extra []Flag, proxy string) (*chromedpDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 驱动的生命周期由驱动池管理,不能跟随单个请求的context
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.RemoteURL != "" {
		if proxy != "" {
			return nil, fmt.Errorf("chromedp远程模式不支持按代理创建驱动: %s", proxy)
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		if bin := opts.Binary(); bin != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(bin))
		}
		if !opts.Headless {
			allocOpts = append(allocOpts, chromedp.Flag("headless", false))
		}
		for _, f := range extra {
			if f.Value == "" {
				allocOpts = append(allocOpts, chromedp.Flag(f.Name, true))
			} else {
				allocOpts = append(allocOpts, chromedp.Flag(f.Name, f.Value))
			}
		}
		if proxy != "" {
			allocOpts = append(allocOpts, chromedp.ProxyServer(proxy))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// 空Run会启动浏览器并打开第一个标签页
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	utils.Debugf("chromedp驱动已创建: 代理=%q, 远程=%q", proxy, opts.RemoteURL)

	return &chromedpDriver{
		proxy:       proxy,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

// run 在标签页上执行动作,调用方context取消时中止
func (d *chromedpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	if d.closed.Load() || d.tabCtx.Err() != nil {
		return models.ErrSessionBroken
	}
	runCtx, cancel := context.WithCancel(d.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (d *chromedpDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *chromedpDriver) SetCookies(ctx context.Context, pageURL string, cookies []*http.Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if c.Domain == "" {
			param.URL = pageURL
		}
		params = append(params, param)
	}
	return d.run(ctx, network.SetCookies(params))
}

func (d *chromedpDriver) SetExtraHeaders(ctx context.Context, headers http.Header) error {
	h := make(network.Headers, len(headers))
	for name := range headers {
		h[name] = headers.Get(name)
	}
	return d.run(ctx, network.Enable(), network.SetExtraHTTPHeaders(h))
}

func (d *chromedpDriver) HasElement(ctx context.Context, selector string) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var found bool
	err = d.run(ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", sel), &found))
	return found, err
}

func (d *chromedpDriver) Title(ctx context.Context) (string, error) {
	var title string
	err := d.run(ctx, chromedp.Title(&title))
	return title, err
}

func (d *chromedpDriver) CurrentURL(ctx context.Context) (string, error) {
	var location string
	err := d.run(ctx, chromedp.Location(&location))
	return location, err
}

func (d *chromedpDriver) Evaluate(ctx context.Context, expression string) (any, error) {
	// 使用原始JSON接收结果,undefined时为空
	var raw []byte
	if err := d.run(ctx, chromedp.Evaluate(expression, &raw)); err != nil {
		if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("解析脚本结果失败: %w", err)
	}
	return v, nil
}

func (d *chromedpDriver) ExecuteScript(ctx context.Context, script string) error {
	return d.run(ctx, chromedp.Evaluate("(function() {\n"+script+"\n})()", nil))
}

func (d *chromedpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func (d *chromedpDriver) PageSource(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (d *chromedpDriver) Ping(ctx context.Context) error {
	if err := d.run(ctx, chromedp.Evaluate("1", nil)); err != nil {
		return fmt.Errorf("%w: %v", models.ErrSessionBroken, err)
	}
	return nil
}

// Quit 关闭标签页与浏览器,多次调用只生效一次
func (d *chromedpDriver) Quit() error {
	d.quitOnce.Do(func() {
		d.closed.Store(true)
		if err := chromedp.Cancel(d.tabCtx); err != nil {
			d.quitErr = fmt.Errorf("关闭浏览器失败: %w", err)
		}
		d.tabCancel()
		d.allocCancel()
	})
	return d.quitErr
}

func (d *chromedpDriver) Proxy() string {
	return d.proxy
}

func (d *chromedpDriver) Kind() models.DriverKind {
	return models.DriverKindChromedp
}
