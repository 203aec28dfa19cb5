package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
)

const (
	// DefaultConfigFile 默认配置文件路径
	DefaultConfigFile = "configs/config.yaml"

	// MaxConfigFileSize 配置文件最大大小 (1MB)
	MaxConfigFileSize = 1 * 1024 * 1024
)

//go:embed config_template.yaml
var defaultConfigTemplate string

// Template 返回内置的配置模板
func Template() string {
	return defaultConfigTemplate
}

// EnsureConfigExists 确保配置文件存在,如不存在则写入模板
// 返回是否新生成了文件
func EnsureConfigExists(configPath string) (bool, error) {
	if configPath == "" {
		configPath = DefaultConfigFile
	}

	if _, err := os.Stat(configPath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("无法读取配置文件信息 [%s]: %w", configPath, err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("无法创建配置目录 [%s]: %w", dir, err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigTemplate), 0644); err != nil {
		return false, fmt.Errorf("无法生成配置文件 [%s]: %w", configPath, err)
	}
	return true, nil
}

// ValidateFileSize 验证配置文件大小是否在限制内
func ValidateFileSize(configPath string) error {
	info, err := os.Stat(configPath)
	if err != nil {
		return &models.ConfigError{FilePath: configPath, Cause: err}
	}

	if info.Size() > MaxConfigFileSize {
		return &models.ConfigError{
			FilePath: configPath,
			Cause: fmt.Errorf("配置文件过大: %d 字节 (最大 %d 字节)",
				info.Size(), MaxConfigFileSize),
		}
	}

	return nil
}
