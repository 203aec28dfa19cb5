package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
)

// MaxWaitTimeout --wait-timeout 上限
const MaxWaitTimeout = 5 * time.Minute

// ValidateFlags 验证命令行标志
func ValidateFlags(targetURL, urlFile, waitSelector string, waitTimeout time.Duration) error {
	if targetURL != "" {
		normalized, err := NormalizeURL(targetURL)
		if err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
		if err := models.ValidateURL(normalized); err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
	}

	if targetURL == "" && strings.TrimSpace(urlFile) == "" {
		return fmt.Errorf("必须指定 --url 或 --url-file")
	}

	if waitTimeout < 0 || waitTimeout > MaxWaitTimeout {
		return fmt.Errorf("等待超时必须在0-%s之间,当前值: %s", MaxWaitTimeout, waitTimeout)
	}

	if strings.TrimSpace(waitSelector) != waitSelector {
		return fmt.Errorf("等待选择器首尾不能有空白: %q", waitSelector)
	}

	return nil
}

// NormalizeURL 规范化URL
func NormalizeURL(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	// 如果没有协议,默认使用https
	if parsed.Scheme == "" {
		urlStr = "https://" + urlStr
		parsed, err = url.Parse(urlStr)
		if err != nil {
			return "", err
		}
	}

	return parsed.String(), nil
}
