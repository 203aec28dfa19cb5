// Package config 加载中间件与命令行工具的配置
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/drivers"
	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/pool"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀,例如 RODMW_BROWSER_DRIVER_NAME
const EnvPrefix = "RODMW"

// Config 应用程序配置
type Config struct {
	Browser  BrowserConfig     `mapstructure:"browser"`
	Wait     WaitConfig        `mapstructure:"wait"`
	Retry    RetryConfig       `mapstructure:"retry"`
	Resource ResourceConfig    `mapstructure:"resource"`
	Headers  map[string]string `mapstructure:"headers"`
	Proxies  []string          `mapstructure:"proxies"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Output   OutputConfig      `mapstructure:"output"`

	// File 实际加载的配置文件,未找到配置文件时为空
	File string `mapstructure:"-"`
}

// BrowserConfig 浏览器驱动配置
type BrowserConfig struct {
	DriverName            string   `mapstructure:"driver_name"`
	DriverExecutablePath  string   `mapstructure:"driver_executable_path"`
	BrowserExecutablePath string   `mapstructure:"browser_executable_path"`
	DriverArguments       []string `mapstructure:"driver_arguments"`
	RemoteURL             string   `mapstructure:"remote_url"`
	Headless              bool     `mapstructure:"headless"`
	MaxConcurrentDriver   int      `mapstructure:"max_concurrent_driver"`
}

// WaitConfig 等待条件配置
type WaitConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RetryConfig 会话断开后的重试配置
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// ResourceConfig 资源限制配置
type ResourceConfig struct {
	AutoLimit           bool `mapstructure:"auto_limit"`
	SafetyReserveMemory int  `mapstructure:"safety_reserve_memory"` // MB
	DriverMemoryUsage   int  `mapstructure:"driver_memory_usage"`   // MB
	CPULoadThreshold    int  `mapstructure:"cpu_load_threshold"`    // %
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoadConfig 加载配置文件
// configPath为空时依次搜索 ./configs, . 和 ~/.rodmiddleware,找不到时只使用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		if err := ValidateFileSize(configPath); err != nil {
			return nil, err
		}
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rodmiddleware"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, &models.ConfigError{FilePath: configPath, Cause: err}
		}
		utils.Debugf("未找到配置文件,使用默认值与环境变量")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &models.ConfigError{
			FilePath: v.ConfigFileUsed(),
			Cause:    fmt.Errorf("配置绑定失败: %w", err),
		}
	}
	config.File = v.ConfigFileUsed()

	if config.Headers == nil {
		config.Headers = make(map[string]string)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
// 必需项也注册空默认值,使AutomaticEnv在Unmarshal时生效
func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.driver_name", "")
	v.SetDefault("browser.driver_executable_path", "")
	v.SetDefault("browser.browser_executable_path", "")
	v.SetDefault("browser.driver_arguments", []string{})
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_concurrent_driver", 8)

	v.SetDefault("wait.poll_interval", 500*time.Millisecond)

	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 5*time.Second)

	v.SetDefault("resource.auto_limit", false)
	v.SetDefault("resource.safety_reserve_memory", 512)
	v.SetDefault("resource.driver_memory_usage", 300)
	v.SetDefault("resource.cpu_load_threshold", 90)

	v.SetDefault("proxies", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("output.base_dir", "output")
}

// Validate 检查必需配置
// 缺失时返回*models.NotConfiguredError,列出所有缺失的键
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Browser.DriverName) == "" {
		missing = append(missing, "browser.driver_name")
	}
	if c.Browser.RemoteURL == "" && strings.TrimSpace(c.Browser.DriverExecutablePath) == "" {
		missing = append(missing, "browser.driver_executable_path")
	}
	if len(missing) > 0 {
		return &models.NotConfiguredError{Keys: missing}
	}

	if _, err := models.ParseDriverKind(c.Browser.DriverName); err != nil {
		return err
	}
	if c.Browser.MaxConcurrentDriver < 1 {
		return fmt.Errorf("browser.max_concurrent_driver 必须大于0: %d", c.Browser.MaxConcurrentDriver)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts 必须大于0: %d", c.Retry.MaxAttempts)
	}
	for _, proxy := range c.Proxies {
		if strings.TrimSpace(proxy) == "" {
			return fmt.Errorf("proxies 中不能包含空地址")
		}
	}
	return nil
}

// DriverOptions 转换为驱动工厂参数
func (c *Config) DriverOptions() (drivers.Options, error) {
	kind, err := models.ParseDriverKind(c.Browser.DriverName)
	if err != nil {
		return drivers.Options{}, err
	}
	return drivers.Options{
		Kind:                  kind,
		ExecutablePath:        c.Browser.DriverExecutablePath,
		BrowserExecutablePath: c.Browser.BrowserExecutablePath,
		Arguments:             c.Browser.DriverArguments,
		RemoteURL:             c.Browser.RemoteURL,
		Headless:              c.Browser.Headless,
	}, nil
}

// ResourceMonitorConfig 转换为资源监控器配置
func (c *Config) ResourceMonitorConfig() pool.ResourceMonitorConfig {
	return pool.ResourceMonitorConfig{
		SafetyReserveMemory: int64(c.Resource.SafetyReserveMemory) * 1024 * 1024,
		DriverMemoryUsage:   int64(c.Resource.DriverMemoryUsage) * 1024 * 1024,
		CPULoadThreshold:    c.Resource.CPULoadThreshold,
		MaxDriversLimit:     c.Browser.MaxConcurrentDriver,
	}
}

// LogConfig 转换为日志配置
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// MergeCLIFlags 合并命令行参数到配置,命令行优先
func (c *Config) MergeCLIFlags(proxies []string, outputDir, logLevel string) {
	if len(proxies) > 0 {
		c.Proxies = proxies
	}
	if outputDir != "" {
		c.Output.BaseDir = outputDir
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
}
