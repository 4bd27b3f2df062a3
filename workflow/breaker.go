package workflow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/types"
)

// CircuitState 熔断器状态。
type CircuitState int

const (
	// CircuitClosed 正常状态，节点可执行。
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，节点快速失败。
	CircuitOpen
	// CircuitHalfOpen 半开状态，放行有限探测。
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置。
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后熔断。
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后进入半开前的等待时间。
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测数。
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThreshold 半开状态下连续成功该次数后闭合。
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultBreakerConfig 默认熔断配置。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

// CircuitBreaker 是单个节点的熔断器。连续失败打开熔断，打开期间节点
// 直接以 CIRCUIT_OPEN 失败；恢复窗口过后放行探测，探测连续成功则闭合。
type CircuitBreaker struct {
	nodeID      string
	config      BreakerConfig
	state       CircuitState
	failures    int // 连续失败次数
	successes   int // 半开状态下连续成功次数
	probeCount  int // 半开状态下已放行探测数
	lastFailure time.Time
	// onStateChange 状态迁移回调（指标上报用），异步触发避免锁内回调死锁。
	onStateChange func(nodeID string, from, to CircuitState)
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewCircuitBreaker 创建节点熔断器。
func NewCircuitBreaker(nodeID string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		nodeID: nodeID,
		config: config,
		state:  CircuitClosed,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("node_id", nodeID)),
	}
}

// Allow 检查当前是否允许执行。拒绝时返回 CIRCUIT_OPEN 结构化错误。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// 到达恢复时间则转半开，放行本次作为首个探测。
		if time.Since(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return types.NewErrorf(types.ErrCircuitOpen,
			"circuit open after %d consecutive failures, retry in %v",
			cb.failures, (cb.config.RecoveryTimeout - time.Since(cb.lastFailure)).Round(time.Millisecond)).
			WithNodeID(cb.nodeID).WithRetryable(true)

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return types.NewErrorf(types.ErrCircuitOpen,
			"circuit half-open, max probes (%d) in flight", cb.config.HalfOpenMaxProbes).
			WithNodeID(cb.nodeID).WithRetryable(true)

	default:
		return types.NewErrorf(types.ErrCircuitOpen, "unknown circuit state %d", cb.state).WithNodeID(cb.nodeID)
	}
}

// RecordSuccess 记录一次成功执行。
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure 记录一次失败执行。
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败立即重新熔断。
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State 返回当前状态。
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures 返回连续失败计数。
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset 手动复位到闭合状态。
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	if old != CircuitClosed {
		cb.notify(old, CircuitClosed)
	}
}

// transitionTo 状态迁移，必须在写锁内调用。
func (cb *CircuitBreaker) transitionTo(next CircuitState, reason string) {
	old := cb.state
	cb.state = next
	cb.logger.Info("circuit state change",
		zap.String("from", old.String()),
		zap.String("to", next.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))
	cb.notify(old, next)
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.nodeID, from, to)
	}
}

// BreakerRegistry 管理全部节点的熔断器，按节点 id 惰性创建。
type BreakerRegistry struct {
	breakers      map[string]*CircuitBreaker
	config        BreakerConfig
	onStateChange func(nodeID string, from, to CircuitState)
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewBreakerRegistry 创建熔断器注册表。
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// OnStateChange 注册状态迁移回调（指标上报），对既有与后续熔断器生效。
func (r *BreakerRegistry) OnStateChange(fn func(nodeID string, from, to CircuitState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
	for _, cb := range r.breakers {
		cb.onStateChange = fn
	}
}

// GetOrCreate 获取或创建节点的熔断器。
func (r *BreakerRegistry) GetOrCreate(nodeID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[nodeID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[nodeID]; ok {
		return cb
	}
	cb := NewCircuitBreaker(nodeID, r.config, r.logger)
	cb.onStateChange = r.onStateChange
	r.breakers[nodeID] = cb
	return cb
}

// States 返回所有熔断器的当前状态快照。
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		states[id] = cb.State()
	}
	return states
}

// ResetAll 复位全部熔断器。
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
