package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/drivers"
	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/pool"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/spf13/cobra"
)

var checkLaunch bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "检查运行环境与浏览器配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("==============================================")
		fmt.Println("  rodfetch 环境检查")
		fmt.Println("==============================================")

		allOK := true

		fmt.Printf("✅ Go版本: %s\n", runtime.Version())
		fmt.Printf("✅ 操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)

		if appConfig.File != "" {
			fmt.Printf("✅ 配置文件: %s\n", appConfig.File)
		} else {
			fmt.Println("⚠️  未找到配置文件,仅使用默认值与环境变量 (可运行 rodfetch init)")
		}

		var opts drivers.Options
		if err := appConfig.Validate(); err != nil {
			var nc *models.NotConfiguredError
			if errors.As(err, &nc) {
				fmt.Printf("❌ 缺少必需配置: %s\n", strings.Join(nc.Keys, ", "))
			} else {
				fmt.Printf("❌ 配置无效: %v\n", err)
			}
			allOK = false
		} else {
			opts, _ = appConfig.DriverOptions()
			fmt.Printf("✅ 驱动类型: %s\n", opts.Kind)
			if !checkBrowser(opts) {
				allOK = false
			}
		}

		rm := pool.NewResourceMonitor(appConfig.ResourceMonitorConfig())
		status := rm.GetMemoryStatus()
		fmt.Printf("✅ 系统内存: %.2f GB, 可用(扣除保留): %.2f GB, 压力: %s\n",
			float64(status.TotalMemory)/(1<<30), float64(status.AvailableMemory)/(1<<30), status.MemoryPressure)
		requested := appConfig.Browser.MaxConcurrentDriver
		if limited := rm.CalculateMaxDrivers(requested); limited < requested {
			fmt.Printf("⚠️  按当前资源建议驱动上限: %d (配置为 %d)\n", limited, requested)
		} else {
			fmt.Printf("✅ 驱动上限: %d\n", requested)
		}

		if checkLaunch && allOK {
			if err := launchOnce(cmd.Context(), opts); err != nil {
				fmt.Printf("❌ 启动浏览器失败: %v\n", err)
				allOK = false
			} else {
				fmt.Println("✅ 浏览器启动与会话检测正常")
			}
		}

		fmt.Println()
		if !allOK {
			return fmt.Errorf("环境检查未通过")
		}
		fmt.Println("✨ 环境检查通过")
		return nil
	},
}

// checkBrowser 检查浏览器可执行文件
func checkBrowser(opts drivers.Options) bool {
	if opts.RemoteURL != "" {
		fmt.Printf("✅ 远程浏览器: %s\n", opts.RemoteURL)
		return true
	}

	if bin := opts.Binary(); bin != "" {
		if _, err := os.Stat(bin); err != nil {
			fmt.Printf("❌ 浏览器可执行文件不存在: %s\n", bin)
			return false
		}
		fmt.Printf("✅ 浏览器可执行文件: %s\n", bin)
		return true
	}

	if path, found := launcher.LookPath(); found {
		fmt.Printf("✅ 系统浏览器: %s\n", path)
		return true
	}
	fmt.Println("❌ 未找到Chrome/Chromium,请设置 browser.driver_executable_path")
	return false
}

// launchOnce 创建一个直连驱动并检测会话
func launchOnce(ctx context.Context, opts drivers.Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	factory, err := drivers.NewFactory(opts)
	if err != nil {
		return err
	}
	d, err := factory(ctx, "")
	if err != nil {
		return err
	}
	defer d.Quit()

	if err := d.Navigate(ctx, "about:blank"); err != nil {
		return err
	}
	return d.Ping(ctx)
}

func init() {
	checkCmd.Flags().BoolVar(&checkLaunch, "launch", false, "实际启动一次浏览器")
}
