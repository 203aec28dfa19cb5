package core

import (
	"testing"
)

func TestHeaderManager_GetMergedHeaders(t *testing.T) {
	t.Run("默认头部存在", func(t *testing.T) {
		hm, err := NewHeaderManager(nil, nil)
		if err != nil {
			t.Fatalf("创建HeaderManager失败: %v", err)
		}

		if ua := hm.GetMergedHeaders().Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("期望默认User-Agent, 实际='%s'", ua)
		}
	})

	t.Run("优先级 默认 < 配置 < 命令行", func(t *testing.T) {
		configHeaders := map[string]string{
			"user-agent": "ConfigBot/1.0",
			"X-From":     "config",
			"X-Config":   "yes",
		}
		cliHeaders := []string{
			"X-From: cli",
		}

		hm, err := NewHeaderManager(configHeaders, cliHeaders)
		if err != nil {
			t.Fatalf("创建HeaderManager失败: %v", err)
		}

		headers := hm.GetMergedHeaders()
		if got := headers.Get("User-Agent"); got != "ConfigBot/1.0" {
			t.Errorf("配置应覆盖默认User-Agent, 实际='%s'", got)
		}
		if got := headers.Get("X-From"); got != "cli" {
			t.Errorf("命令行应覆盖配置, 实际='%s'", got)
		}
		if got := headers.Get("X-Config"); got != "yes" {
			t.Errorf("X-Config未正确设置, 实际='%s'", got)
		}
	})
}

func TestHeaderManager_GetSafeHeaders(t *testing.T) {
	hm, err := NewHeaderManager(nil, []string{
		"User-Agent: CustomBot/1.0",
		"Authorization: Bearer secret-token-12345",
		"X-API-Key: api-key-67890",
	})
	if err != nil {
		t.Fatalf("创建HeaderManager失败: %v", err)
	}

	safe := hm.GetSafeHeaders()
	if safe["User-Agent"] != "CustomBot/1.0" {
		t.Error("普通头部不应该被脱敏")
	}
	if safe["Authorization"] != "Bearer ***" {
		t.Errorf("期望Authorization='Bearer ***', 实际='%s'", safe["Authorization"])
	}
	if safe["X-API-Key"] == "api-key-67890" {
		t.Error("X-API-Key应该被脱敏")
	}
}

func TestHeaderManager_GetHeaders(t *testing.T) {
	tests := []struct {
		name       string
		config     map[string]string
		cli        []string
		wantNewErr bool
		wantErr    bool
	}{
		{"成功", map[string]string{"X-Custom": "v"}, []string{"User-Agent: TestBot/1.0"}, false, false},
		{"命令行格式错误", nil, []string{"InvalidFormat"}, true, false},
		{"命令行禁止头部", nil, []string{"Host: example.com"}, false, true},
		{"配置禁止头部", map[string]string{"Content-Length": "10"}, nil, false, true},
		{"标记头不可配置", map[string]string{"X-Rodmiddleware-Request": "1"}, nil, false, true},
		{"非法头部名称", map[string]string{"Bad Name": "v"}, nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm, err := NewHeaderManager(tt.config, tt.cli)
			if (err != nil) != tt.wantNewErr {
				t.Fatalf("NewHeaderManager错误 = %v, 期望错误 = %v", err, tt.wantNewErr)
			}
			if err != nil {
				return
			}

			headers, err := hm.GetHeaders()
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetHeaders错误 = %v, 期望错误 = %v", err, tt.wantErr)
			}
			if err == nil && headers.Get("User-Agent") == "" {
				t.Error("合并结果应包含User-Agent")
			}
		})
	}
}
