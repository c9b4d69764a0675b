// Package idle implements the idle detector (spec.md §4.9): two sliding
// 30-second averages (throughput, latency) drive IDLE/BUSY transitions,
// with periodic IdleTick notifications to subscribed background jobs
// (garbage collection, merge strategy). Instance-based by design (contrast
// the teacher's package-level sysmetrics, which this module intentionally
// does not imitate — see DESIGN.md).
package idle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"gastrolog/internal/logging"
)

type State int

const (
	Busy State = iota
	Idle
)

func (s State) String() string {
	if s == Idle {
		return "IDLE"
	}
	return "BUSY"
}

// Subscriber receives idle-state transitions (spec.md §4.9).
type Subscriber interface {
	OnIdleStart()
	OnIdleTick()
	OnIdleEnd()
}

type Config struct {
	Window            time.Duration // sliding average window, default 30s
	TickInterval      time.Duration // IdleTick cadence while idle, default 5s
	ThroughputCeiling float64       // bytes/sec; at/under this counts as idle
	LatencyCeiling    time.Duration // at/under this counts as idle

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Window:       30 * time.Second,
		TickInterval: 5 * time.Second,
	}
}

type sample struct {
	at    time.Time
	value float64
}

// Detector observes request throughput/latency and emits IDLE/BUSY
// transitions. A forced-busy flag overrides forced-idle, which in turn
// overrides the measured state (spec.md §4.9).
type Detector struct {
	cfg Config

	mu         sync.Mutex
	throughput []sample
	latency    []sample
	state      State
	forcedBusy bool
	forcedIdle bool
	subs       []Subscriber
	nowFn      func() time.Time

	sched  gocron.Scheduler
	job    gocron.Job
	logger *slog.Logger
}

func New(cfg Config) (*Detector, error) {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	d := &Detector{
		cfg:    cfg,
		state:  Busy,
		nowFn:  time.Now,
		logger: logging.Default(cfg.Logger).With("component", "idle"),
	}
	return d, nil
}

func (d *Detector) Subscribe(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, s)
}

// RecordRequest feeds one completed request's size and latency into the
// sliding windows.
func (d *Detector) RecordRequest(bytes int, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowFn()
	d.throughput = append(trim(d.throughput, now, d.cfg.Window), sample{at: now, value: float64(bytes)})
	d.latency = append(trim(d.latency, now, d.cfg.Window), sample{at: now, value: float64(latency)})
	d.evaluateLocked()
}

func trim(s []sample, now time.Time, window time.Duration) []sample {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

func avgPerSecond(s []sample, window time.Duration) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v.value
	}
	return sum / window.Seconds()
}

func avg(s []sample) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v.value
	}
	return sum / float64(len(s))
}

// ForceBusy and ForceIdle override measured state; ForceBusy wins if both
// are set (spec.md §4.9 "forced busy overrides forced idle").
func (d *Detector) ForceBusy(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forcedBusy = on
	d.evaluateLocked()
}

func (d *Detector) ForceIdle(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forcedIdle = on
	d.evaluateLocked()
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) evaluateLocked() {
	now := d.nowFn()
	d.throughput = trim(d.throughput, now, d.cfg.Window)
	d.latency = trim(d.latency, now, d.cfg.Window)

	measuredIdle := avgPerSecond(d.throughput, d.cfg.Window) <= d.cfg.ThroughputCeiling &&
		time.Duration(avg(d.latency)) <= d.cfg.LatencyCeiling

	var wantIdle bool
	switch {
	case d.forcedBusy:
		wantIdle = false
	case d.forcedIdle:
		wantIdle = true
	default:
		wantIdle = measuredIdle
	}

	next := Busy
	if wantIdle {
		next = Idle
	}
	if next == d.state {
		return
	}
	prev := d.state
	d.state = next
	d.logger.Info("idle state transition", "from", prev, "to", next)
	subs := append([]Subscriber(nil), d.subs...)
	go func() {
		for _, s := range subs {
			if next == Idle {
				s.OnIdleStart()
			} else if prev == Idle {
				s.OnIdleEnd()
			}
		}
	}()
}

// Run starts the background IdleTick scheduler (spec.md §4.9 "IdleTick
// every 5s"); call Stop to shut it down.
func (d *Detector) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("idle: create scheduler: %w", err)
	}
	job, err := sched.NewJob(
		gocron.DurationJob(d.cfg.TickInterval),
		gocron.NewTask(d.tick),
		gocron.WithName("idle-tick"),
	)
	if err != nil {
		return fmt.Errorf("idle: create tick job: %w", err)
	}
	d.mu.Lock()
	d.sched = sched
	d.job = job
	d.mu.Unlock()
	sched.Start()

	go func() {
		<-ctx.Done()
		_ = d.Stop()
	}()
	return nil
}

func (d *Detector) tick() {
	d.mu.Lock()
	state := d.state
	subs := append([]Subscriber(nil), d.subs...)
	d.mu.Unlock()
	if state != Idle {
		return
	}
	for _, s := range subs {
		s.OnIdleTick()
	}
}

func (d *Detector) Stop() error {
	d.mu.Lock()
	sched := d.sched
	d.sched = nil
	d.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Shutdown()
}
