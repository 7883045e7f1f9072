package service

import (
	"math/rand"
	"time"

	"github.com/hibiken/asynq"
)

// backoffFor 第 n 次重试的基准等待：base * 2^(n-1)，封顶 limit
func backoffFor(n int, base, limit time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// RetryDelay 在基准等待上叠加 ±25% 随机抖动，避免一批任务齐步重试打爆下游
func RetryDelay(n int, base, limit time.Duration) time.Duration {
	d := backoffFor(n, base, limit)
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// NewRetryDelayFunc 构造队列消费端的重试间隔函数
func NewRetryDelayFunc(base, limit time.Duration) asynq.RetryDelayFunc {
	return func(n int, e error, t *asynq.Task) time.Duration {
		return RetryDelay(n, base, limit)
	}
}
