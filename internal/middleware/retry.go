package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy 会话断开时的重试策略
type RetryPolicy struct {
	MaxAttempts     int           // 总尝试次数,包含第一次
	InitialInterval time.Duration // 第一次重试前的等待
	MaxInterval     time.Duration // 单次等待上限
}

// DefaultRetryPolicy 默认重试一次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// retrySessionBroken 执行op,仅在会话断开时重试
// 其他错误直接返回,不再重试
func retrySessionBroken[T any](ctx context.Context, policy RetryPolicy, op func(attempt int) (T, error)) (T, error) {
	maxTries := policy.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := op(attempt)
		if err != nil && !models.IsSessionBroken(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			utils.Warnf("浏览器会话已断开,%s后重试 (第%d/%d次): %v", next, attempt+1, maxTries, err)
		}),
	)

	// 达到最大次数时Retry返回的是未解包的PermanentError
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
