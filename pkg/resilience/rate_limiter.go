package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded 限流错误
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// WindowLimiter 固定窗口限流器。
// Allow 是单次原子的 check-and-increment：拒绝时不改变计数，
// 接受时在同一临界区内完成自增；窗口过期只会被重置一次。
type WindowLimiter struct {
	mu          sync.Mutex
	limit       int64
	window      time.Duration
	count       int64
	windowStart time.Time

	now func() time.Time
}

// NewWindowLimiter 创建固定窗口限流器
func NewWindowLimiter(limit int64, window time.Duration) *WindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLimiter{
		limit:       limit,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Allow 请求许可，接受时计数原子自增
func (wl *WindowLimiter) Allow() bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	wl.roll()

	if wl.count >= wl.limit {
		return false
	}
	wl.count++
	return true
}

// Peek 预测是否会被放行，不改变计数。
// 路由过滤用，结果允许与随后的 Allow 出现竞态。
func (wl *WindowLimiter) Peek() bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	wl.roll()
	return wl.count < wl.limit
}

// Remaining 当前窗口剩余额度
func (wl *WindowLimiter) Remaining() int64 {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	wl.roll()
	if wl.count >= wl.limit {
		return 0
	}
	return wl.limit - wl.count
}

// roll 窗口过期时重置，调用方必须持有锁
func (wl *WindowLimiter) roll() {
	now := wl.now()
	if now.Sub(wl.windowStart) >= wl.window {
		wl.count = 0
		wl.windowStart = now
	}
}
