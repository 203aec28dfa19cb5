package models

import (
	"encoding/json"
	"time"
)

// FetchResult 单个URL的渲染结果
type FetchResult struct {
	URL            string    `json:"url"`                       // 请求URL
	FinalURL       string    `json:"final_url,omitempty"`       // 渲染完成后的URL
	Proxy          string    `json:"proxy,omitempty"`           // 使用的代理
	HTMLPath       string    `json:"html_path,omitempty"`       // HTML保存路径
	ScreenshotPath string    `json:"screenshot_path,omitempty"` // 截图保存路径
	Size           int64     `json:"size"`                      // 页面大小(字节)
	Error          string    `json:"error,omitempty"`           // 失败原因
	FetchedAt      time.Time `json:"fetched_at"`
}

// Success 是否渲染成功
func (r FetchResult) Success() bool {
	return r.Error == ""
}

// FetchStats 渲染统计
type FetchStats struct {
	TotalURLs   int     `json:"total_urls"`
	Rendered    int     `json:"rendered"`    // 浏览器渲染成功数
	Failed      int     `json:"failed"`      // 失败数
	Screenshots int     `json:"screenshots"` // 截图数
	TotalSize   int64   `json:"total_size"`  // 页面总大小(字节)
	Duration    float64 `json:"duration"`    // 总耗时(秒)
}

// FetchReport 渲染报告
type FetchReport struct {
	ID         string        `json:"id"`
	DriverKind DriverKind    `json:"driver_kind"`
	Proxies    []string      `json:"proxies,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Stats      FetchStats    `json:"stats"`
	Results    []FetchResult `json:"results"`
	OutputDir  string        `json:"output_dir"`
}

// NewFetchReport 创建渲染报告
func NewFetchReport(kind DriverKind, proxies []string, outputDir string) *FetchReport {
	return &FetchReport{
		ID:         generateID(),
		DriverKind: kind,
		Proxies:    proxies,
		StartTime:  time.Now(),
		Results:    make([]FetchResult, 0),
		OutputDir:  outputDir,
	}
}

// Add 记录一条结果并更新统计
func (r *FetchReport) Add(result FetchResult) {
	r.Results = append(r.Results, result)
	r.Stats.TotalURLs++
	if !result.Success() {
		r.Stats.Failed++
		return
	}
	r.Stats.Rendered++
	r.Stats.TotalSize += result.Size
	if result.ScreenshotPath != "" {
		r.Stats.Screenshots++
	}
}

// Finish 结束报告,记录耗时
func (r *FetchReport) Finish() {
	r.EndTime = time.Now()
	r.Stats.Duration = r.EndTime.Sub(r.StartTime).Seconds()
}

// ToJSON 序列化为JSON
func (r *FetchReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON 从JSON反序列化
func (r *FetchReport) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}
