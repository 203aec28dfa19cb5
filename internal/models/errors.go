package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNotConfigured     = errors.New("缺少必需的浏览器配置")
	ErrUnknownDriverKind = errors.New("不支持的驱动类型")
	ErrInvalidRequest    = errors.New("无效的浏览器请求")
	ErrWaitTimeout       = errors.New("等待条件超时")
	ErrSessionBroken     = errors.New("浏览器会话已断开")
	ErrPoolClosed        = errors.New("驱动池已关闭")
)

// NotConfiguredError 启动时缺少必需配置
type NotConfiguredError struct {
	// Keys 缺失的配置键
	Keys []string
}

// Error 实现error接口
func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotConfigured, strings.Join(e.Keys, ", "))
}

// Unwrap 支持errors.Is(err, ErrNotConfigured)
func (e *NotConfiguredError) Unwrap() error {
	return ErrNotConfigured
}

// ConfigError 配置文件错误
// 表示配置文件解析失败
type ConfigError struct {
	// FilePath 配置文件路径
	FilePath string

	// Cause 底层错误 (如viper.ConfigParseError)
	Cause error
}

// Error 实现error接口
func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置文件错误 [%s]: %v", e.FilePath, e.Cause)
}

// Unwrap 支持errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// DriverError 驱动操作失败
type DriverError struct {
	Op    string // create, navigate, cookies, headers, wait, screenshot, script, action, page_source
	URL   string
	Proxy string
	Err   error
}

// Error 实现error接口
func (e *DriverError) Error() string {
	proxy := RedactProxy(e.Proxy)
	if e.URL == "" {
		return fmt.Sprintf("驱动操作失败 [%s] (代理=%s): %v", e.Op, proxy, e.Err)
	}
	return fmt.Sprintf("驱动操作失败 [%s] %s (代理=%s): %v", e.Op, e.URL, proxy, e.Err)
}

// Unwrap 支持errors.Is/As
func (e *DriverError) Unwrap() error {
	return e.Err
}

// RedactProxy 隐藏代理地址中的密码
func RedactProxy(proxy string) string {
	if proxy == "" {
		return "直连"
	}
	u, err := url.Parse(proxy)
	if err != nil || u.User == nil {
		return proxy
	}
	return u.Redacted()
}

// IsSessionBroken 判断错误是否表示驱动会话已不可用
func IsSessionBroken(err error) bool {
	return errors.Is(err, ErrSessionBroken)
}
