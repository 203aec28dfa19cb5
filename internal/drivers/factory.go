// Package drivers 提供浏览器驱动的创建
//
// 支持的驱动类型是固定枚举 (models.DriverKind),通过 models.Driver 接口分发:
//   - rod:      go-rod 启动本地 Chromium (launcher),每个代理一个独立浏览器进程
//   - chromedp: chromedp ExecAllocator 启动本地 Chromium,或 RemoteAllocator 连接远程实例
//
// 使用示例:
//
//	factory, err := drivers.NewFactory(drivers.Options{
//	    Kind:           models.DriverKindRod,
//	    ExecutablePath: "/usr/bin/chromium",
//	    Arguments:      []string{"--no-sandbox", "--window-size=1920,1080"},
//	    Headless:       true,
//	})
//	driver, err := factory(ctx, "socks5://127.0.0.1:1080")
//	defer driver.Quit()
package drivers

import (
	"context"
	"fmt"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
)

// Options 驱动创建参数
type Options struct {
	Kind                  models.DriverKind
	ExecutablePath        string   // 驱动可执行文件路径
	BrowserExecutablePath string   // 浏览器可执行文件路径,设置时优先于ExecutablePath
	Arguments             []string // 额外启动参数,格式 --name[=value]
	RemoteURL             string   // 远程DevTools地址,设置时不启动本地进程
	Headless              bool
}

// Binary 返回实际启动的浏览器二进制路径
func (o Options) Binary() string {
	if o.BrowserExecutablePath != "" {
		return o.BrowserExecutablePath
	}
	return o.ExecutablePath
}

// Factory 根据代理创建新的驱动实例,proxy为空表示不使用代理
type Factory func(ctx context.Context, proxy string) (models.Driver, error)

// NewFactory 根据驱动类型返回对应的驱动工厂
func NewFactory(opts Options) (Factory, error) {
	flags, err := ParseArguments(opts.Arguments)
	if err != nil {
		return nil, err
	}

	switch opts.Kind {
	case models.DriverKindRod:
		return func(ctx context.Context, proxy string) (models.Driver, error) {
			d, err := newRodDriver(ctx, opts, flags, proxy)
			if err != nil {
				return nil, &models.DriverError{Op: "create", Proxy: proxy, Err: err}
			}
			return d, nil
		}, nil
	case models.DriverKindChromedp:
		return func(ctx context.Context, proxy string) (models.Driver, error) {
			d, err := newChromedpDriver(ctx, opts, flags, proxy)
			if err != nil {
				return nil, &models.DriverError{Op: "create", Proxy: proxy, Err: err}
			}
			return d, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownDriverKind, opts.Kind)
	}
}
