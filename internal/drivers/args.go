package drivers

import (
	"fmt"
	"strings"
)

// Flag 解析后的浏览器启动参数
type Flag struct {
	Name  string
	Value string // 为空表示开关型参数
}

// ParseArguments 解析 "--name" / "--name=value" 形式的启动参数
// 代理参数由驱动工厂按池键统一设置,配置中的 --proxy-server 会被拒绝
func ParseArguments(args []string) ([]Flag, error) {
	flags := make([]Flag, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}

		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == "" {
			return nil, fmt.Errorf("无效的启动参数: %q", arg)
		}

		name, value, _ := strings.Cut(trimmed, "=")
		if name == "proxy-server" {
			return nil, fmt.Errorf("启动参数中不允许设置 --proxy-server, 代理应通过请求Meta或proxies配置")
		}
		flags = append(flags, Flag{Name: name, Value: value})
	}
	return flags, nil
}
