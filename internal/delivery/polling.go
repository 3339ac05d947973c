package delivery

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Default polling configuration values.
const (
	DefaultInitialInterval   = 2 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 1.5
	DefaultJitterFactor      = 0.3
)

// Config configures a Poller. Zero fields take the defaults.
type Config struct {
	// InitialInterval is the starting interval between polls of a target.
	InitialInterval time.Duration

	// MaxBackoff is the maximum interval between polls of a target.
	MaxBackoff time.Duration

	// BackoffMultiplier is the factor by which the interval grows after
	// each poll with no change.
	BackoffMultiplier float64

	// JitterFactor is the maximum random jitter added to intervals, as a
	// fraction of the interval.
	JitterFactor float64

	// OnError is called when a check fails. The target is retried after
	// its backoff interval.
	OnError func(id string, err error)
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialInterval {
		c.MaxBackoff = c.InitialInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	} else if c.JitterFactor == 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	return c
}

// TargetsFunc returns the ids to poll.
type TargetsFunc func() []string

// CheckFunc polls one target and reports whether it changed.
type CheckFunc func(ctx context.Context, id string) (changed bool, err error)

// Poller polls a changing set of targets with per-target adaptive backoff.
type Poller struct {
	cfg     Config
	targets TargetsFunc
	check   CheckFunc

	mu      sync.Mutex
	state   map[string]*polledTarget
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type polledTarget struct {
	interval time.Duration
	next     time.Time
}

// NewPoller creates a poller. It does nothing until Start is called.
func NewPoller(cfg Config, targets TargetsFunc, check CheckFunc) *Poller {
	return &Poller{
		cfg:     cfg.withDefaults(),
		targets: targets,
		check:   check,
		state:   make(map[string]*polledTarget),
	}
}

// Start begins polling in a new goroutine. Calling Start on a running
// poller has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.pollLoop(ctx, p.done)
}

// Stop stops polling and waits for an in-flight cycle to finish. It is
// idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Poller) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait := p.pollDue(ctx, time.Now())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollDue checks every target whose next poll time has passed and returns
// the wait until the earliest next poll.
func (p *Poller) pollDue(ctx context.Context, now time.Time) time.Duration {
	ids := p.targets()
	due := p.refresh(ids, now)

	for _, id := range due {
		if ctx.Err() != nil {
			return 0
		}
		changed, err := p.check(ctx, id)
		if err != nil && p.cfg.OnError != nil && ctx.Err() == nil {
			p.cfg.OnError(id, err)
		}
		p.reschedule(id, changed && err == nil, time.Now())
	}

	return p.nextWait(time.Now())
}

// refresh syncs the per-target state with ids and returns the due ones.
func (p *Poller) refresh(ids []string, now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]struct{}, len(ids))
	var due []string
	for _, id := range ids {
		live[id] = struct{}{}
		t, ok := p.state[id]
		if !ok {
			t = &polledTarget{interval: p.cfg.InitialInterval, next: now}
			p.state[id] = t
		}
		if !t.next.After(now) {
			due = append(due, id)
		}
	}
	for id := range p.state {
		if _, ok := live[id]; !ok {
			delete(p.state, id)
		}
	}
	return due
}

func (p *Poller) reschedule(id string, changed bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.state[id]
	if !ok {
		return
	}
	if changed {
		t.interval = p.cfg.InitialInterval
	} else {
		t.interval = time.Duration(float64(t.interval) * p.cfg.BackoffMultiplier)
		if t.interval > p.cfg.MaxBackoff {
			t.interval = p.cfg.MaxBackoff
		}
	}
	t.next = now.Add(p.withJitter(t.interval))
}

func (p *Poller) nextWait(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.state) == 0 {
		return p.cfg.InitialInterval
	}
	var earliest time.Time
	for _, t := range p.state {
		if earliest.IsZero() || t.next.Before(earliest) {
			earliest = t.next
		}
	}
	if wait := earliest.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

func (p *Poller) withJitter(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * p.cfg.JitterFactor * float64(d))
	return d + jitter
}

// interval returns the current interval of id, for tests.
func (p *Poller) interval(id string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.state[id]
	if !ok {
		return 0, false
	}
	return t.interval, true
}
