package utils

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
)

// ReadURLsFromFile 从文件中读取URL列表
func ReadURLsFromFile(filepath string) ([]string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("打开URL文件失败: %w", err)
	}
	defer file.Close()

	urls := make([]string, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := models.ValidateURL(line); err != nil {
			Warnf("跳过无效URL (行 %d): %s - %v", lineNum, line, err)
			continue
		}

		urls = append(urls, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取URL文件失败: %w", err)
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("URL文件中没有有效的URL")
	}

	Infof("从文件加载了 %d 个URL", len(urls))
	return urls, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PageFilename 根据URL生成保存页面用的文件名(不含扩展名)
// 例如 https://example.com/a/b?x=1 → a_b_x_1
func PageFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "page"
	}

	name := strings.Trim(path.Clean("/"+u.Path), "/")
	if u.RawQuery != "" {
		name += "_" + u.RawQuery
	}
	name = strings.Trim(unsafeFilenameChars.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "index"
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}

// HostDir 返回URL的主机名,用作输出子目录
func HostDir(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return unsafeFilenameChars.ReplaceAllString(u.Host, "_")
}
