package events

import "time"

// Timer 可取消的定时任务
type Timer interface {
	Stop() bool
}

// Scheduler 延迟执行重试，f必须在其他goroutine中异步执行
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// realScheduler 基于time.AfterFunc
type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MaxBackoff 单次重试的最长等待时间
const MaxBackoff = 24 * time.Hour

// backoff 返回第retryCount次失败后的等待时间: base * 2^retryCount，不超过MaxBackoff
func backoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= MaxBackoff {
		return MaxBackoff
	}
	d := base
	for range max(retryCount, 0) {
		if d > MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return d
}
