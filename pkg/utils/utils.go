// Package utils 提供 ID 生成、retry/backoff 与随机时长等通用工具
package utils

import (
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewOrderID 生成订单 ID
func NewOrderID() string {
	return "O-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewTradeID 生成成交 ID
func NewTradeID() string {
	return "T-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewSubscriberID 生成订阅者 ID
func NewSubscriberID() string {
	return "S-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// RetryWithBackoff 带退避的重试
func RetryWithBackoff(maxAttempts int, initialDelay time.Duration, maxDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxAttempts-1 {
			time.Sleep(delay)
			// 指数退避
			delay = time.Duration(float64(delay) * 1.5)
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	return lastErr
}

// RandDuration 生成 [0, max) 范围内的随机时长
func RandDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
