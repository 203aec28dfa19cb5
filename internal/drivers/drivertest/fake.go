// Package drivertest 提供用于测试的内存驱动与驱动工厂
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
)

// FakePNG 假截图数据 (PNG文件头)
var FakePNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Driver 记录所有调用的假驱动
type Driver struct {
	ProxyAddr string

	// 可配置行为
	HTML          string
	PageTitle     string
	Elements      map[string]bool
	NavigateErr   error
	ScriptErr     error
	ScreenshotErr error
	EvalResult    any

	mu          sync.Mutex
	url         string
	navigations []string
	cookies     []*http.Cookie
	headers     http.Header
	scripts     []string
	screenshots int
	broken      bool

	quits atomic.Int32
}

// NewDriver 创建假驱动
func NewDriver(proxy string) *Driver {
	return &Driver{
		ProxyAddr: proxy,
		HTML:      "<html><head><title>fake</title></head><body>ok</body></html>",
		PageTitle: "fake",
		Elements:  make(map[string]bool),
		url:       "about:blank",
	}
}

// Break 模拟浏览器崩溃,之后所有调用返回ErrSessionBroken
func (d *Driver) Break() {
	d.mu.Lock()
	d.broken = true
	d.mu.Unlock()
}

// SetElement 设置选择器是否存在
func (d *Driver) SetElement(selector string, present bool) {
	d.mu.Lock()
	d.Elements[selector] = present
	d.mu.Unlock()
}

func (d *Driver) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.quits.Load() > 0 {
		return fmt.Errorf("%w: 驱动已退出", models.ErrSessionBroken)
	}
	if d.broken {
		return fmt.Errorf("%w: 模拟崩溃", models.ErrSessionBroken)
	}
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	d.navigations = append(d.navigations, url)
	if d.NavigateErr != nil {
		return d.NavigateErr
	}
	d.url = url
	return nil
}

func (d *Driver) SetCookies(ctx context.Context, pageURL string, cookies []*http.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	d.cookies = append(d.cookies, cookies...)
	return nil
}

func (d *Driver) SetExtraHeaders(ctx context.Context, headers http.Header) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	d.headers = headers.Clone()
	return nil
}

func (d *Driver) HasElement(ctx context.Context, selector string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return false, err
	}
	return d.Elements[selector], nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return "", err
	}
	return d.PageTitle, nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return "", err
	}
	return d.url, nil
}

func (d *Driver) Evaluate(ctx context.Context, expression string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	return d.EvalResult, nil
}

func (d *Driver) ExecuteScript(ctx context.Context, script string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	d.scripts = append(d.scripts, script)
	return d.ScriptErr
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	if d.ScreenshotErr != nil {
		return nil, d.ScreenshotErr
	}
	d.screenshots++
	return append([]byte(nil), FakePNG...), nil
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return "", err
	}
	return d.HTML, nil
}

func (d *Driver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.check(ctx)
}

func (d *Driver) Quit() error {
	d.quits.Add(1)
	return nil
}

func (d *Driver) Proxy() string {
	return d.ProxyAddr
}

func (d *Driver) Kind() models.DriverKind {
	return models.DriverKindRod
}

// QuitCount Quit被调用的次数
func (d *Driver) QuitCount() int {
	return int(d.quits.Load())
}

// Navigations 导航过的URL
func (d *Driver) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigations...)
}

// Cookies 注入过的Cookie
func (d *Driver) Cookies() []*http.Cookie {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*http.Cookie(nil), d.cookies...)
}

// Headers 最近一次设置的额外请求头
func (d *Driver) Headers() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers.Clone()
}

// Scripts 执行过的脚本
func (d *Driver) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.scripts...)
}

// Screenshots 截图次数
func (d *Driver) Screenshots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screenshots
}

// ErrFactory 工厂模拟失败时返回的错误
var ErrFactory = errors.New("drivertest: 创建驱动失败")

// Factory 记录创建次数的假工厂
type Factory struct {
	// Setup 在返回驱动前调用,可用于定制驱动行为
	Setup func(d *Driver)

	mu      sync.Mutex
	fail    map[string]bool
	created map[string]int
	drivers []*Driver
}

// NewFactory 创建假工厂
func NewFactory() *Factory {
	return &Factory{
		fail:    make(map[string]bool),
		created: make(map[string]int),
	}
}

// FailFor 使指定代理的创建失败
func (f *Factory) FailFor(proxy string, fail bool) {
	f.mu.Lock()
	f.fail[proxy] = fail
	f.mu.Unlock()
}

// New 实现drivers.Factory签名
func (f *Factory) New(ctx context.Context, proxy string) (models.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[proxy] {
		return nil, &models.DriverError{Op: "create", Proxy: proxy, Err: ErrFactory}
	}

	d := NewDriver(proxy)
	if f.Setup != nil {
		f.Setup(d)
	}
	f.created[proxy]++
	f.drivers = append(f.drivers, d)
	return d, nil
}

// Created 指定代理的创建次数
func (f *Factory) Created(proxy string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[proxy]
}

// TotalCreated 总创建次数
func (f *Factory) TotalCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

// Drivers 所有已创建的驱动,按创建顺序
func (f *Factory) Drivers() []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.drivers...)
}

// Last 指定代理最近创建的驱动
func (f *Factory) Last(proxy string) *Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.drivers) - 1; i >= 0; i-- {
		if f.drivers[i].ProxyAddr == proxy {
			return f.drivers[i]
		}
	}
	return nil
}
