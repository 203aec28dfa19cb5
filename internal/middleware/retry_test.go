package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetrySessionBroken(t *testing.T) {
	broken := fmt.Errorf("%w: 连接已断开", models.ErrSessionBroken)
	plain := errors.New("导航失败")

	tests := []struct {
		name      string
		attempts  int
		errs      []error
		wantCalls int
		wantErr   error
		wantValue string
	}{
		{"第一次成功", 2, []error{nil}, 1, nil, "ok"},
		{"断开后重试成功", 2, []error{broken, nil}, 2, nil, "ok"},
		{"断开次数耗尽", 2, []error{broken, broken, nil}, 2, models.ErrSessionBroken, ""},
		{"普通错误不重试", 3, []error{plain, nil}, 1, plain, ""},
		{"只允许一次", 1, []error{broken, nil}, 1, models.ErrSessionBroken, ""},
		{"次数小于1按1处理", 0, []error{plain}, 1, plain, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := retrySessionBroken(context.Background(), fastPolicy(tt.attempts), func(attempt int) (string, error) {
				calls++
				assert.Equal(t, calls, attempt)
				if err := tt.errs[calls-1]; err != nil {
					return "", err
				}
				return "ok", nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.wantValue, got)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			var perm *backoff.PermanentError
			assert.False(t, errors.As(err, &perm), "应返回原始错误")
		})
	}
}

func TestRetrySessionBroken_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Hour, MaxInterval: time.Hour}

	calls := 0
	_, err := retrySessionBroken(ctx, policy, func(attempt int) (int, error) {
		calls++
		cancel()
		return 0, models.ErrSessionBroken
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWaitFor_SessionBrokenStopsImmediately(t *testing.T) {
	calls := 0
	cond := func(ctx context.Context, d models.Driver) (bool, error) {
		calls++
		return false, models.ErrSessionBroken
	}

	err := waitFor(context.Background(), nil, cond, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, err, models.ErrSessionBroken)
	assert.Equal(t, 1, calls)
}

func TestWaitFor_TimeoutIncludesLastError(t *testing.T) {
	cond := func(ctx context.Context, d models.Driver) (bool, error) {
		return false, errors.New("选择器无效")
	}

	err := waitFor(context.Background(), nil, cond, 30*time.Millisecond, 10*time.Millisecond)
	require.ErrorIs(t, err, models.ErrWaitTimeout)
	assert.Contains(t, err.Error(), "选择器无效")
}
