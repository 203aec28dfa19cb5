package models

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// DriverKind 支持的浏览器驱动类型
type DriverKind string

const (
	DriverKindRod      DriverKind = "rod"      // go-rod, 启动本地Chromium
	DriverKindChromedp DriverKind = "chromedp" // chromedp, 启动本地Chromium或连接远程实例
)

// SupportedDriverKinds 所有支持的驱动类型
var SupportedDriverKinds = []DriverKind{DriverKindRod, DriverKindChromedp}

// ParseDriverKind 解析配置中的驱动名称
// "chrome"/"chromium" 视为 rod 的别名
func ParseDriverKind(name string) (DriverKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "rod", "chrome", "chromium":
		return DriverKindRod, nil
	case "chromedp":
		return DriverKindChromedp, nil
	default:
		return "", fmt.Errorf("%w: %q (有效值: rod, chrome, chromedp)", ErrUnknownDriverKind, name)
	}
}

// Driver 浏览器驱动句柄
// 由驱动工厂创建,调用Quit后不可再使用;同一时刻只允许一个调用方驱动页面
type Driver interface {
	// Navigate 导航到URL并等待页面load事件
	Navigate(ctx context.Context, url string) error

	// SetCookies 向当前会话注入Cookie,pageURL决定Cookie的作用域
	SetCookies(ctx context.Context, pageURL string, cookies []*http.Cookie) error

	// SetExtraHeaders 为后续导航设置额外HTTP请求头
	SetExtraHeaders(ctx context.Context, headers http.Header) error

	// HasElement 判断页面中是否存在匹配CSS选择器的元素
	HasElement(ctx context.Context, selector string) (bool, error)

	// Title 当前页面标题
	Title(ctx context.Context) (string, error)

	// CurrentURL 当前页面URL
	CurrentURL(ctx context.Context) (string, error)

	// Evaluate 计算JavaScript表达式并返回结果
	Evaluate(ctx context.Context, expression string) (any, error)

	// ExecuteScript 以函数体形式执行脚本,不关心返回值
	ExecuteScript(ctx context.Context, script string) error

	// Screenshot 截取整个页面(不限于当前视口),返回PNG数据
	Screenshot(ctx context.Context) ([]byte, error)

	// PageSource 渲染后的完整页面HTML
	PageSource(ctx context.Context) (string, error)

	// Ping 检查会话是否仍然可用
	Ping(ctx context.Context) error

	// Quit 关闭会话并释放浏览器进程
	Quit() error

	// Proxy 创建驱动时使用的代理
	Proxy() string

	// Kind 驱动类型
	Kind() DriverKind
}

// Condition 等待条件,返回true表示条件已满足
type Condition func(ctx context.Context, d Driver) (bool, error)

// ActionFunc 自定义驱动回调,替代默认的导航流程
type ActionFunc func(ctx context.Context, url string, d Driver, args map[string]any) error
