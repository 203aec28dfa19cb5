package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
)

// DefaultPollInterval 等待条件的默认轮询间隔
const DefaultPollInterval = 500 * time.Millisecond

// waitFor 轮询条件直到满足或超时
// 条件至少检查一次;超时以截止时间为准,不会提前返回
// 条件返回的错误视为"尚未满足",会话断开的错误除外
// 每次检查的截止时间取超时时刻与一个轮询间隔中较晚者,阻塞的检查会被中断
func waitFor(ctx context.Context, d models.Driver, cond models.Condition, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	var lastErr error

	for {
		ok, err := check(ctx, d, cond, deadline, interval)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err == nil && ok:
			return nil
		case models.IsSessionBroken(err):
			return err
		case err != nil:
			lastErr = err
			utils.Debugf("等待条件检查出错,继续等待: %v", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w (%s), 最后一次错误: %v", models.ErrWaitTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%w (%s)", models.ErrWaitTimeout, timeout)
		}

		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func check(ctx context.Context, d models.Driver, cond models.Condition, deadline time.Time, interval time.Duration) (bool, error) {
	stop := deadline
	if next := time.Now().Add(interval); next.After(stop) {
		stop = next
	}
	checkCtx, cancel := context.WithDeadline(ctx, stop)
	defer cancel()
	return cond(checkCtx, d)
}
