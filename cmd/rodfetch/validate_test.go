package main

import (
	"testing"
	"time"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name         string
		targetURL    string
		urlFile      string
		waitSelector string
		waitTimeout  time.Duration
		wantErr      bool
	}{
		{"单个URL", "https://example.com", "", "", 10 * time.Second, false},
		{"省略协议", "example.com/page", "", "#app", time.Second, false},
		{"URL文件", "", "urls.txt", "", 0, false},
		{"缺少URL", "", "", "", 0, true},
		{"不支持的协议", "ftp://example.com", "", "", 0, true},
		{"负数超时", "https://example.com", "", "#app", -time.Second, true},
		{"超时过大", "https://example.com", "", "#app", time.Hour, true},
		{"选择器含空白", "https://example.com", "", " #app", time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlags(tt.targetURL, tt.urlFile, tt.waitSelector, tt.waitTimeout)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFlags() 错误 = %v, 期望错误 = %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"example.com", "https://example.com"},
		{"http://example.com/a?b=1", "http://example.com/a?b=1"},
		{"https://example.com", "https://example.com"},
	}

	for _, tt := range tests {
		got, err := NormalizeURL(tt.input)
		if err != nil {
			t.Fatalf("NormalizeURL(%q) 失败: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, 期望 %q", tt.input, got, tt.want)
		}
	}
}
