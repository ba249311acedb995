package resilience

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen 熔断器打开错误
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 - 正常运行
	StateClosed State = iota
	// StateOpen 打开状态 - 熔断中
	StateOpen
	// StateHalfOpen 半开状态 - 放行部分探测流量
	StateHalfOpen
)

// String 返回状态字符串
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 滚动窗口内触发熔断的失败次数
	FailureThreshold int64
	// Window 失败计数的滚动窗口
	Window time.Duration
	// Cooldown 熔断后的初始冷却时间
	Cooldown time.Duration
	// MaxCooldown 冷却时间上限（反复失败时指数退避的封顶）
	MaxCooldown time.Duration
	// BackoffMultiplier 半开探测失败后冷却时间的放大倍数
	BackoffMultiplier float64
	// ProbeFraction 半开状态放行的流量比例 (0, 1]
	ProbeFraction float64
	// SuccessThreshold 半开状态恢复关闭所需的连续成功次数
	SuccessThreshold int64
	// OnStateChange 状态变化回调
	OnStateChange func(name string, from, to State)
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Window:            60 * time.Second,
		Cooldown:          30 * time.Second,
		MaxCooldown:       5 * time.Minute,
		BackoffMultiplier: 2.0,
		ProbeFraction:     0.34,
		SuccessThreshold:  1,
	}
}

// CircuitBreaker 按提供商维度的熔断器。
// 所有状态迁移都在自身互斥锁内完成，外部只能通过
// Allow / RecordSuccess / RecordFailure 驱动。
type CircuitBreaker struct {
	name   string
	config Config

	mu             sync.RWMutex
	state          State
	failureCount   int64
	successCount   int64
	windowStart    time.Time
	lastTransition time.Time
	cooldown       time.Duration // 当前生效的冷却时间（可能已退避放大）
	probeArrivals  int64         // 半开状态的到达计数，用于按比例放行

	now func() time.Time
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = def.MaxCooldown
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.ProbeFraction <= 0 || config.ProbeFraction > 1 {
		config.ProbeFraction = def.ProbeFraction
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}

	n := time.Now()
	return &CircuitBreaker{
		name:           name,
		config:         config,
		state:          StateClosed,
		windowStart:    n,
		lastTransition: n,
		cooldown:       config.Cooldown,
		now:            time.Now,
	}
}

// Allow 权威准入检查：是否放行本次调用。
// 打开状态冷却结束后在这里转为半开，并把当前请求作为首个探测放行。
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(cb.lastTransition) >= cb.cooldown {
			cb.setState(StateHalfOpen, now)
			cb.probeArrivals = 1
			return true
		}
		return false

	case StateHalfOpen:
		// 按 ProbeFraction 放行：每 ceil(1/fraction) 个到达放行一个
		every := int64(math.Ceil(1 / cb.config.ProbeFraction))
		cb.probeArrivals++
		return (cb.probeArrivals-1)%every == 0

	default:
		return false
	}
}

// RecordSuccess 上报一次成功结果
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		// 成功清零失败计数，窗口重新起算
		cb.failureCount = 0
		cb.windowStart = now
		cb.cooldown = cb.config.Cooldown

	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.cooldown = cb.config.Cooldown
			cb.setState(StateClosed, now)
		}
	}
}

// RecordFailure 上报一次失败结果（含超时、取消）
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		// 滚动窗口过期则重新计数
		if now.Sub(cb.windowStart) >= cb.config.Window {
			cb.failureCount = 0
			cb.windowStart = now
		}
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}

	case StateHalfOpen:
		// 探测失败：重新熔断并放大冷却时间
		next := time.Duration(float64(cb.cooldown) * cb.config.BackoffMultiplier)
		if next > cb.config.MaxCooldown {
			next = cb.config.MaxCooldown
		}
		cb.cooldown = next
		cb.setState(StateOpen, now)
	}
}

// setState 状态迁移，调用方必须持有写锁
func (cb *CircuitBreaker) setState(newState State, now time.Time) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	cb.lastTransition = now

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.windowStart = now
	case StateOpen:
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.probeArrivals = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// State 获取当前状态（只读，路由过滤允许读到略旧的值）
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Snapshot 熔断器快照
type Snapshot struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	FailureCount   int64         `json:"failure_count"`
	SuccessCount   int64         `json:"success_count"`
	Cooldown       time.Duration `json:"cooldown"`
	LastTransition time.Time     `json:"last_transition"`
}

// Snapshot 获取可观测快照
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Snapshot{
		Name:           cb.name,
		State:          cb.state.String(),
		FailureCount:   cb.failureCount,
		SuccessCount:   cb.successCount,
		Cooldown:       cb.cooldown,
		LastTransition: cb.lastTransition,
	}
}

// Reset 重置熔断器（运维用）
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := cb.now()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.cooldown = cb.config.Cooldown
	cb.windowStart = n
	cb.lastTransition = n
}
