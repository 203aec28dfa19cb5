package core

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/middleware"
	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/net/publicsuffix"
)

// DefaultRequestTimeout 单个页面(含等待与截图)的总超时
const DefaultRequestTimeout = 2 * time.Minute

// FetchOptions 渲染任务参数
type FetchOptions struct {
	URLs       []string
	Proxies    []string // 按轮询分配给URL,为空时直连
	DriverKind models.DriverKind
	OutputDir  string

	Screenshot   bool
	Script       string
	WaitSelector string        // 非空时等待该元素出现
	WaitTimeout  time.Duration // 等待超时

	RequestTimeout time.Duration
	ShowProgress   bool
}

// Fetcher 使用colly与浏览器中间件批量渲染页面
type Fetcher struct {
	mw        *middleware.BrowserMiddleware
	transport *middleware.Transport
	collector *colly.Collector
	headers   models.HeaderProvider
	opts      FetchOptions

	mu     sync.Mutex
	report *models.FetchReport
	bar    *progressbar.ProgressBar
}

// NewFetcher 创建渲染任务
// Fetcher 接管中间件的生命周期,Run结束时关闭驱动池
func NewFetcher(mw *middleware.BrowserMiddleware, headers models.HeaderProvider, opts FetchOptions) (*Fetcher, error) {
	if opts.OutputDir == "" {
		opts.OutputDir = "output"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	transport := middleware.NewTransport(mw, nil)
	if len(opts.Proxies) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(opts.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("代理配置无效: %w", err)
		}
		transport.SetProxyFunc(switcher)
	}

	c := colly.NewCollector(colly.Async(true))
	c.WithTransport(transport)
	c.SetRequestTimeout(opts.RequestTimeout)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("创建Cookie存储失败: %w", err)
	}
	c.SetCookieJar(jar)

	// 并发数与驱动池容量一致,避免请求在池外排队
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: mw.MaxDrivers(),
	}); err != nil {
		utils.Warnf("设置并发限制失败: %v", err)
	}

	proxies := make([]string, 0, len(opts.Proxies))
	for _, p := range opts.Proxies {
		proxies = append(proxies, utils.RedactProxy(p))
	}

	f := &Fetcher{
		mw:        mw,
		transport: transport,
		collector: c,
		headers:   headers,
		opts:      opts,
		report:    models.NewFetchReport(opts.DriverKind, proxies, opts.OutputDir),
	}
	f.setupCallbacks()
	return f, nil
}

// setupCallbacks 设置colly回调
func (f *Fetcher) setupCallbacks() {
	f.collector.OnRequest(func(r *colly.Request) {
		utils.Debugf("开始渲染: %s", r.URL)
	})

	f.collector.OnResponse(func(r *colly.Response) {
		res, ok := f.transport.Result(r)
		if !ok {
			utils.Debugf("忽略非浏览器响应: %s", r.Request.URL)
			return
		}
		f.record(f.save(res))
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		target := ""
		if r != nil && r.Request != nil {
			target = r.Request.URL.String()
		}
		utils.Errorf("渲染失败 [%s]: %v", target, err)
		f.record(models.FetchResult{URL: target, Error: err.Error(), FetchedAt: time.Now()})
	})
}

// Run 渲染全部URL,返回渲染报告
func (f *Fetcher) Run() (*models.FetchReport, error) {
	defer f.transport.Close()

	urls := dedupe(f.opts.URLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("没有需要渲染的URL")
	}

	utils.Infof("🚀 开始渲染: %d个URL, 驱动=%s, 最大驱动数=%d, 代理数=%d",
		len(urls), f.opts.DriverKind, f.mw.MaxDrivers(), len(f.opts.Proxies))

	if f.opts.ShowProgress {
		f.bar = utils.NewProgressBar(len(urls), "渲染页面")
	}

	headers, err := f.headers.GetHeaders()
	if err != nil {
		return nil, fmt.Errorf("请求头部无效: %w", err)
	}

	for _, u := range urls {
		req, err := f.buildRequest(u, headers)
		if err == nil {
			err = f.transport.Visit(f.collector, req)
		}
		if err != nil {
			utils.Errorf("提交请求失败 [%s]: %v", u, err)
			f.record(models.FetchResult{URL: u, Error: err.Error(), FetchedAt: time.Now()})
		}
	}

	f.collector.Wait()
	if f.bar != nil {
		_ = f.bar.Finish()
	}

	f.mu.Lock()
	f.report.Finish()
	f.mu.Unlock()

	if _, err := utils.NewReporter(f.opts.OutputDir).GenerateReport(f.report); err != nil {
		utils.Warnf("生成报告失败: %v", err)
	}

	utils.Infof("✅ 渲染完成: 成功=%d, 失败=%d, 耗时=%.2f秒",
		f.report.Stats.Rendered, f.report.Stats.Failed, f.report.Stats.Duration)
	return f.report, nil
}

// buildRequest 根据参数构造浏览器请求
func (f *Fetcher) buildRequest(rawURL string, headers http.Header) (*models.BrowserRequest, error) {
	var opts []models.Option
	for name, values := range headers {
		if len(values) > 0 {
			opts = append(opts, models.WithHeader(name, values[0]))
		}
	}
	if f.opts.WaitSelector != "" {
		opts = append(opts, models.WithWait(f.opts.WaitTimeout, models.ElementPresent(f.opts.WaitSelector)))
	}
	if f.opts.Screenshot {
		opts = append(opts, models.WithScreenshot(true))
	}
	if f.opts.Script != "" {
		opts = append(opts, models.WithScript(f.opts.Script))
	}
	return models.NewBrowserRequest(rawURL, opts...)
}

// save 保存HTML与截图到 <output>/<host>/{html,screenshots}
func (f *Fetcher) save(res *models.Response) models.FetchResult {
	target := res.Request.URL
	result := models.FetchResult{
		URL:       target,
		FinalURL:  res.URL,
		Size:      int64(len(res.Body)),
		FetchedAt: time.Now(),
	}
	if p, ok := res.Meta[models.MetaProxy].(string); ok {
		result.Proxy = utils.RedactProxy(p)
	}

	base := filepath.Join(f.opts.OutputDir, utils.HostDir(target))
	name := utils.PageFilename(target)

	htmlPath := filepath.Join(base, "html", name+".html")
	if err := writeFile(htmlPath, res.Body); err != nil {
		result.Error = err.Error()
		return result
	}
	result.HTMLPath = htmlPath

	if png, ok := res.Screenshot(); ok {
		shotPath := filepath.Join(base, "screenshots", name+".png")
		if err := writeFile(shotPath, png); err != nil {
			utils.Warnf("保存截图失败 [%s]: %v", target, err)
		} else {
			result.ScreenshotPath = shotPath
		}
	}

	utils.Debugf("已保存页面: %s → %s (%d bytes)", target, htmlPath, result.Size)
	return result
}

func (f *Fetcher) record(result models.FetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.report.Add(result)
	if f.bar != nil {
		_ = f.bar.Add(1)
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建目录失败 [%s]: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入文件失败 [%s]: %w", path, err)
	}
	return nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
