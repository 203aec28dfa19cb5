package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/config"
	"github.com/RecoveryAshes/rodmiddleware/internal/core"
	"github.com/RecoveryAshes/rodmiddleware/internal/middleware"
	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	logLevel   string
	headers    []string

	// 渲染参数
	targetURL    string
	urlFile      string
	proxies      []string
	screenshot   bool
	script       string
	waitSelector string
	waitTimeout  time.Duration
	outputDir    string
	noProgress   bool
)

// 已加载的配置与日志,由PersistentPreRunE初始化
var (
	appConfig *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "rodfetch",
	Short: "基于浏览器驱动池的页面渲染工具",
	Long: `rodfetch - 使用真实浏览器渲染页面并保存HTML与截图

按代理维护一组浏览器驱动(rod 或 chromedp),同一代理的请求复用同一个浏览器,
超过上限时关闭最久未使用的驱动。支持:
  • 等待元素出现后再取页面
  • 页面加载后执行脚本
  • 整页截图
  • 多代理轮询
  • 自定义HTTP请求头

示例:
  # 生成配置文件
  rodfetch init

  # 渲染单个页面并截图
  rodfetch -u https://example.com --screenshot

  # 批量渲染,等待 #app 出现,使用两个代理轮询
  rodfetch -f urls.txt --wait-selector "#app" --proxy http://127.0.0.1:8080 --proxy socks5://127.0.0.1:1080

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		cfg.MergeCLIFlags(proxies, outputDir, logLevel)

		closer, err := utils.InitLogger(cfg.LogConfig())
		if err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		logCloser = closer
		appConfig = cfg

		if cfg.File != "" {
			utils.Debugf("使用配置文件: %s", cfg.File)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
	RunE: runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	if targetURL == "" && urlFile == "" {
		return cmd.Help()
	}

	if err := ValidateFlags(targetURL, urlFile, waitSelector, waitTimeout); err != nil {
		return err
	}

	urls, err := collectURLs(targetURL, urlFile)
	if err != nil {
		return err
	}

	headerManager, err := core.NewHeaderManager(appConfig.Headers, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	if err := headerManager.Validate(); err != nil {
		return fmt.Errorf("HTTP头部验证失败: %w", err)
	}
	utils.Debugf("当前有效的HTTP头部: %v", headerManager.GetSafeHeaders())

	mw, err := middleware.FromConfig(appConfig)
	if err != nil {
		var nc *models.NotConfiguredError
		if errors.As(err, &nc) {
			return fmt.Errorf("%w\n请运行 'rodfetch init' 生成配置文件后填写 %s", err, strings.Join(nc.Keys, ", "))
		}
		return fmt.Errorf("创建浏览器中间件失败: %w", err)
	}

	// Ctrl+C 时关闭所有浏览器再退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		utils.Warnf("收到中断信号: %v, 正在关闭浏览器...", sig)
		mw.SpiderClosed()
		os.Exit(130)
	}()

	kind, _ := models.ParseDriverKind(appConfig.Browser.DriverName)
	fetcher, err := core.NewFetcher(mw, headerManager, core.FetchOptions{
		URLs:         urls,
		Proxies:      appConfig.Proxies,
		DriverKind:   kind,
		OutputDir:    appConfig.Output.BaseDir,
		Screenshot:   screenshot,
		Script:       script,
		WaitSelector: waitSelector,
		WaitTimeout:  waitTimeout,
		ShowProgress: !noProgress,
	})
	if err != nil {
		mw.SpiderClosed()
		return err
	}

	report, err := fetcher.Run()
	if err != nil {
		return fmt.Errorf("渲染失败: %w", err)
	}

	fmt.Println("\n==================================================")
	fmt.Println("📊 渲染统计")
	fmt.Println("==================================================")
	fmt.Printf("✅ 渲染成功: %d\n", report.Stats.Rendered)
	fmt.Printf("❌ 渲染失败: %d\n", report.Stats.Failed)
	fmt.Printf("📷 截图数: %d\n", report.Stats.Screenshots)
	fmt.Printf("📦 总大小: %.2f MB\n", float64(report.Stats.TotalSize)/(1024*1024))
	fmt.Printf("⏱️  总耗时: %.2f秒\n", report.Stats.Duration)
	fmt.Println("==================================================")

	if report.Stats.Rendered == 0 {
		return fmt.Errorf("所有页面均渲染失败")
	}
	return nil
}

// collectURLs 合并 --url 与 --url-file
func collectURLs(single, file string) ([]string, error) {
	var urls []string
	if single != "" {
		normalized, err := NormalizeURL(single)
		if err != nil {
			return nil, fmt.Errorf("无效的目标URL: %w", err)
		}
		urls = append(urls, normalized)
	}
	if file != "" {
		fromFile, err := utils.ReadURLsFromFile(file)
		if err != nil {
			return nil, fmt.Errorf("读取URL文件失败: %w", err)
		}
		urls = append(urls, fromFile...)
	}
	return urls, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	// 不需要加载配置
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rodfetch %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
		fmt.Printf("支持的驱动: %v\n", models.SupportedDriverKinds)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "生成默认配置文件",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = config.DefaultConfigFile
		}
		created, err := config.EnsureConfigExists(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("✅ 已生成配置文件: %s\n", path)
			fmt.Println("请填写 browser.driver_name 与 browser.driver_executable_path")
		} else {
			fmt.Printf("配置文件已存在: %s\n", path)
		}
		return nil
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")

	// 渲染参数
	rootCmd.Flags().StringVarP(&targetURL, "url", "u", "", "目标URL (必需,除非使用 --url-file)")
	rootCmd.Flags().StringVarP(&urlFile, "url-file", "f", "", "包含URL列表的文件路径")
	rootCmd.Flags().StringSliceVar(&proxies, "proxy", nil, "代理地址,可多次指定,按轮询分配 (覆盖配置文件 proxies)")
	rootCmd.Flags().BoolVar(&screenshot, "screenshot", false, "保存整页截图")
	rootCmd.Flags().StringVar(&script, "script", "", "页面加载后执行的JavaScript")
	rootCmd.Flags().StringVar(&waitSelector, "wait-selector", "", "等待该CSS选择器对应的元素出现")
	rootCmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 10*time.Second, "等待超时")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "输出目录 (覆盖配置文件 output.base_dir)")
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "不显示进度条")

	rootCmd.AddCommand(versionCmd, initCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
