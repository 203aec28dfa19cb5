package drivers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// rodDriver 基于go-rod的驱动
// 本地模式: 每个驱动独占一个浏览器进程,代理通过 --proxy-server 设置
// 远程模式: 在远程浏览器中创建独立的BrowserContext,代理作用于该上下文
type rodDriver struct {
	proxy    string
	launcher *launcher.Launcher // 远程模式下为nil
	browser  *rod.Browser
	page     *rod.Page

	browserContextID proto.BrowserBrowserContextID // 仅远程模式
	conn             *cdp.WebSocket                // 仅远程模式,驱动自己持有的连接

	headerCleanup func()

	closed   atomic.Bool
	quitOnce sync.Once
	quitErr  error
}

func newRodDriver(ctx context.Context, opts Options, extra []Flag, proxy string) (*rodDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := &rodDriver{proxy: proxy}

	var controlURL string
	if opts.RemoteURL != "" {
		u, err := launcher.ResolveURL(opts.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("解析远程浏览器地址失败: %w", err)
		}
		controlURL = u
	} else {
		l := launcher.New().Headless(opts.Headless)
		if bin := opts.Binary(); bin != "" {
			l = l.Bin(bin)
		}
		for _, f := range extra {
			if f.Value == "" {
				l = l.Set(flags.Flag(f.Name))
			} else {
				l = l.Set(flags.Flag(f.Name), f.Value)
			}
		}
		if proxy != "" {
			l = l.Proxy(proxy)
		}

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("启动浏览器失败: %w", err)
		}
		d.launcher = l
		controlURL = u
	}

	if d.launcher == nil {
		// 远程浏览器不归驱动所有,只关闭自己的连接
		conn := &cdp.WebSocket{}
		if err := conn.Connect(ctx, controlURL, nil); err != nil {
			return nil, fmt.Errorf("连接浏览器失败: %w", err)
		}
		d.conn = conn
		d.browser = rod.New().Client(cdp.New().Start(conn))
	} else {
		d.browser = rod.New().ControlURL(controlURL)
	}
	if err := d.browser.Connect(); err != nil {
		d.killProcess()
		d.closeConn()
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	target := proto.TargetCreateTarget{URL: "about:blank"}
	if d.launcher == nil {
		res, err := proto.TargetCreateBrowserContext{ProxyServer: proxy}.Call(d.browser)
		if err != nil {
			d.closeConn()
			return nil, fmt.Errorf("创建浏览器上下文失败: %w", err)
		}
		d.browserContextID = res.BrowserContextID
		target.BrowserContextID = res.BrowserContextID
	}

	page, err := d.browser.Page(target)
	if err != nil {
		_ = d.Quit()
		return nil, fmt.Errorf("创建标签页失败(浏览器可能已崩溃): %w", err)
	}
	d.page = page

	utils.Debugf("rod驱动已创建: control=%s, 代理=%q", controlURL, proxy)
	return d, nil
}

// p 返回绑定调用方context的页面
func (d *rodDriver) p(ctx context.Context) (*rod.Page, error) {
	if d.closed.Load() {
		return nil, models.ErrSessionBroken
	}
	return d.page.Context(ctx), nil
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	p, err := d.p(ctx)
	if err != nil {
		return err
	}
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (d *rodDriver) SetCookies(ctx context.Context, pageURL string, cookies []*http.Cookie) error {
	p, err := d.p(ctx)
	if err != nil {
		return err
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
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
	return p.SetCookies(params)
}

func (d *rodDriver) SetExtraHeaders(ctx context.Context, headers http.Header) error {
	p, err := d.p(ctx)
	if err != nil {
		return err
	}
	if d.headerCleanup != nil {
		d.headerCleanup()
		d.headerCleanup = nil
	}
	dict := make([]string, 0, len(headers)*2)
	for name := range headers {
		dict = append(dict, name, headers.Get(name))
	}
	if len(dict) == 0 {
		return nil
	}
	cleanup, err := p.SetExtraHeaders(dict)
	if err != nil {
		return err
	}
	d.headerCleanup = cleanup
	return nil
}

func (d *rodDriver) HasElement(ctx context.Context, selector string) (bool, error) {
	p, err := d.p(ctx)
	if err != nil {
		return false, err
	}
	has, _, err := p.Has(selector)
	return has, err
}

func (d *rodDriver) Title(ctx context.Context) (string, error) {
	p, err := d.p(ctx)
	if err != nil {
		return "", err
	}
	info, err := p.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (d *rodDriver) CurrentURL(ctx context.Context) (string, error) {
	p, err := d.p(ctx)
	if err != nil {
		return "", err
	}
	info, err := p.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *rodDriver) Evaluate(ctx context.Context, expression string) (any, error) {
	p, err := d.p(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.Eval("() => (" + expression + ")")
	if err != nil {
		return nil, err
	}
	return res.Value.Val(), nil
}

func (d *rodDriver) ExecuteScript(ctx context.Context, script string) error {
	p, err := d.p(ctx)
	if err != nil {
		return err
	}
	_, err = p.Eval("function() {\n" + script + "\n}")
	return err
}

func (d *rodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	p, err := d.p(ctx)
	if err != nil {
		return nil, err
	}
	return p.Screenshot(true, nil)
}

func (d *rodDriver) PageSource(ctx context.Context) (string, error) {
	p, err := d.p(ctx)
	if err != nil {
		return "", err
	}
	return p.HTML()
}

func (d *rodDriver) Ping(ctx context.Context) error {
	if d.closed.Load() {
		return models.ErrSessionBroken
	}
	if _, err := (proto.BrowserGetVersion{}).Call(d.browser.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %v", models.ErrSessionBroken, err)
	}
	return nil
}

// Quit 关闭驱动,多次调用只生效一次
func (d *rodDriver) Quit() error {
	d.quitOnce.Do(func() {
		d.closed.Store(true)

		if d.launcher == nil {
			var errs []error
			if d.page != nil {
				errs = append(errs, d.page.Close())
			}
			if d.browserContextID != "" {
				errs = append(errs, proto.TargetDisposeBrowserContext{BrowserContextID: d.browserContextID}.Call(d.browser))
			}
			d.closeConn()
			d.quitErr = errors.Join(errs...)
			return
		}

		if err := d.browser.Close(); err != nil {
			d.quitErr = fmt.Errorf("关闭浏览器失败: %w", err)
		}
		d.killProcess()
	})
	return d.quitErr
}

func (d *rodDriver) closeConn() {
	if d.conn != nil {
		_ = d.conn.Close()
	}
}

func (d *rodDriver) killProcess() {
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
}

func (d *rodDriver) Proxy() string {
	return d.proxy
}

func (d *rodDriver) Kind() models.DriverKind {
	return models.DriverKindRod
}
