package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/schollz/progressbar/v3"
)

// ReportFileName 渲染报告文件名
const ReportFileName = "fetch_report.json"

// Reporter 报告生成器
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{outputDir: outputDir}
}

// GenerateReport 将渲染报告写入 <outputDir>/reports/fetch_report.json
// 返回报告文件路径
func (r *Reporter) GenerateReport(report *models.FetchReport) (string, error) {
	reportsDir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	jsonData, err := report.ToJSON()
	if err != nil {
		return "", fmt.Errorf("序列化JSON失败: %w", err)
	}

	reportPath := filepath.Join(reportsDir, ReportFileName)
	if err := os.WriteFile(reportPath, jsonData, 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}

	Infof("✅ 报告已生成: %s (成功=%d, 失败=%d, 截图=%d)",
		reportPath, report.Stats.Rendered, report.Stats.Failed, report.Stats.Screenshots)
	return reportPath, nil
}

// NewProgressBar 创建进度条
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
