package models

import (
	"context"
	"strings"
)

// ElementPresent 页面中出现匹配选择器的元素
func ElementPresent(selector string) Condition {
	return func(ctx context.Context, d Driver) (bool, error) {
		return d.HasElement(ctx, selector)
	}
}

// TitleContains 页面标题包含指定文本
func TitleContains(substr string) Condition {
	return func(ctx context.Context, d Driver) (bool, error) {
		title, err := d.Title(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(title, substr), nil
	}
}

// URLContains 当前URL包含指定文本
func URLContains(substr string) Condition {
	return func(ctx context.Context, d Driver) (bool, error) {
		current, err := d.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(current, substr), nil
	}
}

// ScriptTrue JavaScript表达式结果为真值
func ScriptTrue(expression string) Condition {
	return func(ctx context.Context, d Driver) (bool, error) {
		v, err := d.Evaluate(ctx, expression)
		if err != nil {
			return false, err
		}
		return truthy(v), nil
	}
}

// truthy 按JavaScript语义判断真值
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}
