package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ThrottleConfig tunes the adaptive concurrency limiter. Zero values select
// the documented defaults.
type ThrottleConfig struct {
	// Initial is the starting concurrency ceiling.
	Initial int `json:"initial" yaml:"initial"`

	// Floor is the minimum ceiling. Never below 1.
	Floor int `json:"floor" yaml:"floor"`

	// Max is the hard ceiling cap.
	Max int `json:"max" yaml:"max"`

	// Interval is how often the window is evaluated.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// IncreaseFactor multiplies the ceiling after a healthy window.
	IncreaseFactor float64 `json:"increase_factor" yaml:"increase_factor"`

	// DecreaseFactor multiplies the ceiling after an unhealthy window.
	DecreaseFactor float64 `json:"decrease_factor" yaml:"decrease_factor"`

	// HealthyErrorRate is the error rate below which the ceiling grows.
	HealthyErrorRate float64 `json:"healthy_error_rate" yaml:"healthy_error_rate"`

	// UnhealthyErrorRate is the error rate above which the ceiling shrinks.
	UnhealthyErrorRate float64 `json:"unhealthy_error_rate" yaml:"unhealthy_error_rate"`

	// LatencyTarget is the average latency above which the ceiling shrinks.
	LatencyTarget time.Duration `json:"latency_target" yaml:"latency_target"`

	// RateLimitCooldown is how long growth stays suppressed after the
	// remote store signals rate limiting, unless the server hints longer.
	RateLimitCooldown time.Duration `json:"rate_limit_cooldown" yaml:"rate_limit_cooldown"`

	// MaxSamples bounds the latency window.
	MaxSamples int `json:"max_samples" yaml:"max_samples"`
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	if c.Initial <= 0 {
		c.Initial = 10
	}
	if c.Floor <= 0 {
		c.Floor = 1
	}
	if c.Max <= 0 {
		c.Max = 50
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.IncreaseFactor <= 1 {
		c.IncreaseFactor = 1.2
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = 0.5
	}
	if c.HealthyErrorRate <= 0 {
		c.HealthyErrorRate = 0.01
	}
	if c.UnhealthyErrorRate <= 0 {
		c.UnhealthyErrorRate = 0.05
	}
	if c.LatencyTarget <= 0 {
		c.LatencyTarget = time.Second
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 30 * time.Second
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 100
	}
	if c.Initial > c.Max {
		c.Initial = c.Max
	}
	if c.Floor > c.Initial {
		c.Floor = c.Initial
	}
	return c
}

// ThrottleState is a point-in-time snapshot of the limiter.
type ThrottleState struct {
	Ceiling        int       `json:"ceiling"`
	Floor          int       `json:"floor"`
	Max            int       `json:"max"`
	InFlight       int       `json:"in_flight"`
	WindowRequests int       `json:"window_requests"`
	WindowFailures int       `json:"window_failures"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
}

// Permit represents one in-flight remote request slot.
type Permit struct {
	acquiredAt time.Time
}

// Throttle is an adaptive concurrency limiter over remote requests. The
// ceiling moves with observed health: it grows multiplicatively after clean
// windows, halves after error-heavy or slow windows, and collapses to the
// floor the moment the remote store answers with a rate-limit signal.
//
// Admission waits on a condition variable rather than a fixed-size token
// pool, so a ceiling raised mid-run admits blocked waiters immediately and
// a lowered ceiling applies to the next admission without recalling permits
// already issued.
type Throttle struct {
	cfg     ThrottleConfig
	logger  zerolog.Logger
	metrics Metrics

	mu   sync.Mutex
	cond *sync.Cond

	ceiling  int
	inFlight int
	closed   bool

	windowTotal    int
	windowFailures int
	latencies      []time.Duration

	cooldownUntil     time.Time
	rateLimitedWindow bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewThrottle builds a throttle from cfg. Call Start to begin periodic
// adjustment and Stop when the run finishes.
func NewThrottle(cfg ThrottleConfig, logger zerolog.Logger, metrics Metrics) *Throttle {
	cfg = cfg.withDefaults()
	t := &Throttle{
		cfg:       cfg,
		logger:    logger.With().Str("component", "throttle").Logger(),
		metrics:   metrics,
		ceiling:   cfg.Initial,
		latencies: make([]time.Duration, 0, cfg.MaxSamples),
		stopCh:    make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the periodic adjustment loop. It returns immediately; the
// loop stops when ctx is cancelled or Stop is called.
func (t *Throttle) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.adjust()
			}
		}
	}()
}

// Stop shuts the throttle down. Blocked acquirers are released with an
// error.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cond.Broadcast()
	})
}

// Acquire blocks until a request slot is available under the current
// ceiling, the context is cancelled, or the throttle is stopped.
func (t *Throttle) Acquire(ctx context.Context) (*Permit, error) {
	// Wake blocked waiters when the context is cancelled so they can
	// observe ctx.Err instead of sleeping forever.
	stop := context.AfterFunc(ctx, func() { t.cond.Broadcast() })
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.closed {
			return nil, NewPermanentError("throttle is stopped", nil).WithCode(ErrCodeInternal)
		}
		if t.inFlight < t.ceiling {
			break
		}
		t.cond.Wait()
	}
	t.inFlight++
	if t.metrics != nil {
		t.metrics.ThrottleInFlight(t.inFlight)
	}
	return &Permit{acquiredAt: time.Now()}, nil
}

// Release returns a permit and records the request's outcome in the
// current measurement window.
func (t *Throttle) Release(p *Permit, latency time.Duration, succeeded bool) {
	if p == nil {
		return
	}
	t.mu.Lock()
	t.inFlight--
	inFlight := t.inFlight
	t.windowTotal++
	if !succeeded {
		t.windowFailures++
	}
	if len(t.latencies) == t.cfg.MaxSamples {
		copy(t.latencies, t.latencies[1:])
		t.latencies[len(t.latencies)-1] = latency
	} else {
		t.latencies = append(t.latencies, latency)
	}
	t.mu.Unlock()

	t.cond.Signal()
	if t.metrics != nil {
		t.metrics.ThrottleInFlight(inFlight)
	}
}

// RateLimited drops the ceiling to the floor immediately and suppresses
// growth for the cooldown period. retryAfter extends the cooldown when the
// remote store hints at a longer wait.
func (t *Throttle) RateLimited(retryAfter time.Duration) {
	t.mu.Lock()
	old := t.ceiling
	t.ceiling = t.cfg.Floor
	cooldown := t.cfg.RateLimitCooldown
	if retryAfter > cooldown {
		cooldown = retryAfter
	}
	t.cooldownUntil = time.Now().Add(cooldown)
	t.rateLimitedWindow = true
	ceiling := t.ceiling
	t.mu.Unlock()

	if old != ceiling {
		t.logger.Warn().
			Int("old_ceiling", old).
			Int("new_ceiling", ceiling).
			Dur("cooldown", cooldown).
			Msg("rate limited, ceiling dropped to floor")
	}
	if t.metrics != nil {
		t.metrics.ThrottleCeiling(ceiling)
	}
}

// Ceiling returns the current concurrency ceiling.
func (t *Throttle) Ceiling() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ceiling
}

// MaxCeiling returns the configured hard cap.
func (t *Throttle) MaxCeiling() int {
	return t.cfg.Max
}

// Snapshot returns the limiter's current state.
func (t *Throttle) Snapshot() ThrottleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ThrottleState{
		Ceiling:        t.ceiling,
		Floor:          t.cfg.Floor,
		Max:            t.cfg.Max,
		InFlight:       t.inFlight,
		WindowRequests: t.windowTotal,
		WindowFailures: t.windowFailures,
		CooldownUntil:  t.cooldownUntil,
	}
}

// adjust evaluates the closed measurement window and moves the ceiling. A
// window in which the remote store rate limited us is skipped entirely;
// the immediate drop already happened and must not be overridden.
func (t *Throttle) adjust() {
	t.mu.Lock()

	if t.rateLimitedWindow {
		t.rateLimitedWindow = false
		t.resetWindowLocked()
		t.mu.Unlock()
		return
	}

	total := t.windowTotal
	if total == 0 {
		t.mu.Unlock()
		return
	}

	errorRate := float64(t.windowFailures) / float64(total)
	latency := t.averageLatencyLocked()
	old := t.ceiling

	switch {
	case errorRate > t.cfg.UnhealthyErrorRate || latency > t.cfg.LatencyTarget:
		next := int(float64(t.ceiling) * t.cfg.DecreaseFactor)
		if next < t.cfg.Floor {
			next = t.cfg.Floor
		}
		t.ceiling = next
	case errorRate < t.cfg.HealthyErrorRate && time.Now().After(t.cooldownUntil):
		next := int(math.Ceil(float64(t.ceiling) * t.cfg.IncreaseFactor))
		if next > t.cfg.Max {
			next = t.cfg.Max
		}
		t.ceiling = next
	}

	t.resetWindowLocked()
	ceiling := t.ceiling
	raised := ceiling > old
	t.mu.Unlock()

	if raised {
		// Waiters blocked under the old ceiling can be admitted now.
		t.cond.Broadcast()
	}
	if ceiling != old {
		t.logger.Debug().
			Int("old_ceiling", old).
			Int("new_ceiling", ceiling).
			Float64("error_rate", errorRate).
			Dur("avg_latency", latency).
			Msg("throttle ceiling adjusted")
		if t.metrics != nil {
			t.metrics.ThrottleCeiling(ceiling)
		}
	}
}

func (t *Throttle) averageLatencyLocked() time.Duration {
	if len(t.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range t.latencies {
		sum += l
	}
	return sum / time.Duration(len(t.latencies))
}

func (t *Throttle) resetWindowLocked() {
	t.windowTotal = 0
	t.windowFailures = 0
	t.latencies = t.latencies[:0]
}
