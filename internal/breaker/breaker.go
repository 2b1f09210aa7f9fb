package breaker

import (
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	windowSize    = 30 * time.Second
	bucketCount   = 10
	minSamples    = 5
	errorRatio    = 0.5
	baseOpenDelay = 30 * time.Second
	maxOpenDelay  = 10 * time.Minute
)

// bucket 错误率统计的时间桶
type bucket struct {
	start    time.Time
	total    int64
	failures int64
}

// Breaker 单个账户的熔断器
//
// 30 秒窗口内样本数 ≥ 5 且错误率 ≥ 50% 时打开；
// 打开时长指数增长，上限 10 分钟；半开态只放行一个探测请求。
type Breaker struct {
	mu        sync.Mutex
	state     State
	buckets   [bucketCount]bucket
	openUntil time.Time
	openDelay time.Duration
	probing   bool

	now func() time.Time
}

// New 创建熔断器
func New() *Breaker {
	return &Breaker{openDelay: baseOpenDelay, now: time.Now}
}

// Allow 判断请求是否放行
//
// 半开态通过 probing 标志保证同一时刻至多一个探测在途。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(b.openUntil) {
			return false
		}
		b.state = StateHalfOpen
		b.probing = false
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess 上报一次成功
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		// 探测成功，恢复并重置退避
		b.state = StateClosed
		b.probing = false
		b.openDelay = baseOpenDelay
		b.reset()
		return
	}
	b.record(false)
}

// RecordFailure 上报一次失败
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		// 探测失败，重新打开并加倍退避
		b.probing = false
		b.reopen()
		return
	}

	b.record(true)
	if b.state == StateClosed && b.shouldTrip() {
		b.reopen()
	}
}

// State 返回当前状态（打开到期后报告半开）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) reopen() {
	b.state = StateOpen
	b.openUntil = b.now().Add(b.openDelay)
	b.openDelay *= 2
	if b.openDelay > maxOpenDelay {
		b.openDelay = maxOpenDelay
	}
	b.reset()
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

// record 落入当前时间桶
func (b *Breaker) record(failure bool) {
	now := b.now()
	idx := int(now.UnixNano()/int64(windowSize/bucketCount)) % bucketCount
	bkt := &b.buckets[idx]
	if now.Sub(bkt.start) >= windowSize/bucketCount {
		*bkt = bucket{start: now.Truncate(windowSize / bucketCount)}
	}
	bkt.total++
	if failure {
		bkt.failures++
	}
}

// shouldTrip 计算窗口内错误率
func (b *Breaker) shouldTrip() bool {
	now := b.now()
	var total, failures int64
	for i := range b.buckets {
		bkt := &b.buckets[i]
		if now.Sub(bkt.start) < windowSize {
			total += bkt.total
			failures += bkt.failures
		}
	}
	return total >= minSamples && float64(failures)/float64(total) >= errorRatio
}

// Registry 按账户维度管理熔断器
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry 创建熔断器注册表
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get 获取（或懒创建）指定账户的熔断器
func (r *Registry) Get(accountID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[accountID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[accountID]; ok {
		return b
	}
	b = New()
	r.breakers[accountID] = b
	return b
}

// States 返回全部账户的熔断状态快照
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}
