package models

import (
	"fmt"
	"net/http"
	"time"
)

const (
	// MetaProxy 请求/响应Meta中代理地址的键
	MetaProxy = "proxy"

	// MetaDriver 响应Meta中浏览器驱动的键
	MetaDriver = "driver"

	// MetaScreenshot 响应Meta中截图(PNG)的键
	MetaScreenshot = "screenshot"
)

// Requester 中间件可以接收的请求
// 普通请求与浏览器请求都实现此接口,中间件据此决定是否接管
type Requester interface {
	BaseRequest() *Request
}

// Request 爬取框架的基础请求
type Request struct {
	URL     string            // 目标URL
	Method  string            // 请求方法 (默认GET)
	Headers http.Header       // 额外请求头
	Cookies map[string]string // 需要注入浏览器会话的Cookie
	Meta    map[string]any    // 附加元数据 (例如 "proxy")
}

// NewRequest 创建普通请求
func NewRequest(rawURL string) *Request {
	return &Request{
		URL:     rawURL,
		Method:  http.MethodGet,
		Headers: make(http.Header),
		Cookies: make(map[string]string),
		Meta:    make(map[string]any),
	}
}

// BaseRequest 实现Requester接口
func (r *Request) BaseRequest() *Request {
	return r
}

// Proxy 返回Meta中的代理地址,未设置时返回空字符串(不使用代理)
func (r *Request) Proxy() string {
	if r.Meta == nil {
		return ""
	}
	if proxy, ok := r.Meta[MetaProxy].(string); ok {
		return proxy
	}
	return ""
}

// clone 深拷贝请求,map字段不与原请求共享
func (r *Request) clone() Request {
	c := Request{
		URL:     r.URL,
		Method:  r.Method,
		Headers: r.Headers.Clone(),
		Cookies: make(map[string]string, len(r.Cookies)),
		Meta:    make(map[string]any, len(r.Meta)),
	}
	if c.Headers == nil {
		c.Headers = make(http.Header)
	}
	for k, v := range r.Cookies {
		c.Cookies[k] = v
	}
	for k, v := range r.Meta {
		c.Meta[k] = v
	}
	return c
}

// Driving 浏览器请求的驱动策略
// 只能是 *Directives (默认导航+后置指令) 或 *DriverAction (自定义驱动回调) 之一
type Driving interface {
	driving()
}

// Directives 默认驱动策略: 导航 → Cookie → 等待 → 截图 → 脚本
type Directives struct {
	WaitTimeout time.Duration // 等待条件的超时时间
	WaitUntil   Condition     // 等待条件,为nil时不等待
	Screenshot  bool          // 是否截图
	Script      string        // 页面加载后执行的JavaScript
}

func (*Directives) driving() {}

func (d *Directives) empty() bool {
	return d.WaitUntil == nil && d.WaitTimeout == 0 && !d.Screenshot && d.Script == ""
}

// DriverAction 自定义驱动策略: 由回调完全接管页面加载
type DriverAction struct {
	Func ActionFunc
	Args map[string]any
}

func (*DriverAction) driving() {}

// BrowserRequest 需要交给浏览器驱动处理的请求
type BrowserRequest struct {
	Request

	// Driving 驱动策略,为nil时等价于空的Directives(仅导航)
	Driving Driving

	// invalid 构造选项冲突时记录的错误,由Validate返回
	invalid error
}

// Option 浏览器请求构造选项
type Option func(*BrowserRequest)

// NewBrowserRequest 创建浏览器请求
func NewBrowserRequest(rawURL string, opts ...Option) (*BrowserRequest, error) {
	br := &BrowserRequest{Request: *NewRequest(rawURL)}
	for _, opt := range opts {
		opt(br)
	}
	if err := br.Validate(); err != nil {
		return nil, err
	}
	return br, nil
}

// Directives 返回默认驱动策略的指令集,自定义回调策略时返回nil
func (br *BrowserRequest) Directives() *Directives {
	switch d := br.Driving.(type) {
	case *Directives:
		return d
	case nil:
		return &Directives{}
	default:
		return nil
	}
}

// Action 返回自定义驱动回调,默认策略时返回nil
func (br *BrowserRequest) Action() *DriverAction {
	if a, ok := br.Driving.(*DriverAction); ok {
		return a
	}
	return nil
}

// Validate 校验请求
func (br *BrowserRequest) Validate() error {
	if br.invalid != nil {
		return br.invalid
	}
	if err := ValidateURL(br.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	// 浏览器只做页面导航
	if br.Method != "" && br.Method != http.MethodGet {
		return fmt.Errorf("%w: 浏览器请求不支持%s方法", ErrInvalidRequest, br.Method)
	}

	switch d := br.Driving.(type) {
	case *Directives:
		if d.WaitUntil != nil && d.WaitTimeout < 0 {
			return fmt.Errorf("%w: 等待超时不能为负数: %s", ErrInvalidRequest, d.WaitTimeout)
		}
	case *DriverAction:
		if d.Func == nil {
			return fmt.Errorf("%w: 自定义驱动回调为空", ErrInvalidRequest)
		}
	}
	return nil
}

// Copy 复制请求并应用覆盖选项
// 未被覆盖的字段保持原值,map与指令集均为深拷贝
func (br *BrowserRequest) Copy(opts ...Option) (*BrowserRequest, error) {
	c := &BrowserRequest{Request: br.Request.clone()}

	switch d := br.Driving.(type) {
	case *Directives:
		dc := *d
		c.Driving = &dc
	case *DriverAction:
		ac := &DriverAction{Func: d.Func, Args: make(map[string]any, len(d.Args))}
		for k, v := range d.Args {
			ac.Args[k] = v
		}
		c.Driving = ac
	}

	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// directives 取出(必要时创建)指令集,已是回调策略时记录冲突
func (br *BrowserRequest) directives() *Directives {
	switch d := br.Driving.(type) {
	case *Directives:
		return d
	case nil:
		d2 := &Directives{}
		br.Driving = d2
		return d2
	default:
		br.invalid = fmt.Errorf("%w: 自定义驱动回调不能与等待/截图/脚本指令同时使用", ErrInvalidRequest)
		return &Directives{}
	}
}

// WithURL 覆盖目标URL
func WithURL(rawURL string) Option {
	return func(br *BrowserRequest) {
		br.URL = rawURL
	}
}

// WithWait 设置等待条件与超时
func WithWait(timeout time.Duration, until Condition) Option {
	return func(br *BrowserRequest) {
		d := br.directives()
		d.WaitTimeout = timeout
		d.WaitUntil = until
	}
}

// WithScreenshot 设置是否截图
func WithScreenshot(enabled bool) Option {
	return func(br *BrowserRequest) {
		br.directives().Screenshot = enabled
	}
}

// WithScript 设置页面加载后执行的脚本
func WithScript(script string) Option {
	return func(br *BrowserRequest) {
		br.directives().Script = script
	}
}

// WithAction 使用自定义驱动回调
func WithAction(fn ActionFunc, args map[string]any) Option {
	return func(br *BrowserRequest) {
		if d, ok := br.Driving.(*Directives); ok && !d.empty() {
			br.invalid = fmt.Errorf("%w: 自定义驱动回调不能与等待/截图/脚本指令同时使用", ErrInvalidRequest)
			return
		}
		br.Driving = &DriverAction{Func: fn, Args: args}
	}
}

// WithDriving 整体替换驱动策略
func WithDriving(d Driving) Option {
	return func(br *BrowserRequest) {
		br.Driving = d
	}
}

// WithProxy 设置代理
func WithProxy(proxy string) Option {
	return WithMeta(MetaProxy, proxy)
}

// WithMeta 设置元数据
func WithMeta(key string, value any) Option {
	return func(br *BrowserRequest) {
		if br.Meta == nil {
			br.Meta = make(map[string]any)
		}
		br.Meta[key] = value
	}
}

// WithCookie 添加Cookie
func WithCookie(name, value string) Option {
	return func(br *BrowserRequest) {
		if br.Cookies == nil {
			br.Cookies = make(map[string]string)
		}
		br.Cookies[name] = value
	}
}

// WithHeader 设置请求头
func WithHeader(name, value string) Option {
	return func(br *BrowserRequest) {
		if br.Headers == nil {
			br.Headers = make(http.Header)
		}
		br.Headers.Set(name, value)
	}
}
