package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/metrics"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Snapshot is the poller's view of a job at one point in time. Stale is set
// once the consecutive-failure budget is exhausted; the job itself always
// reflects the last successful fetch.
type Snapshot struct {
	Job       *Job      `json:"job"`
	Stale     bool      `json:"stale"`
	Failures  int       `json:"failures"`
	FetchedAt time.Time `json:"fetchedAt"`
	Seq       uint64    `json:"seq"`
}

// PollerConfig bounds the refresh loop. Interval is fixed; there is no
// backoff, only a staleness flag after MaxFailures consecutive errors.
type PollerConfig struct {
	Interval    time.Duration
	MaxFailures int
}

// Poller refreshes bridge job snapshots while subscribers are attached.
// Concurrent fetches for the same job collapse into one outbound request;
// ticks arriving while a fetch is outstanding are deferred by the ticker,
// not dropped.
type Poller struct {
	client  Client
	clock   scheduler.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	config  PollerConfig

	group singleflight.Group

	mu    sync.Mutex
	loops map[string]*pollLoop
}

type pollLoop struct {
	jobID  string
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[int]chan Snapshot
	nextSub  int
	last     *Snapshot
	failures int
	seq      uint64
	done     bool
}

func NewPoller(client Client, clock scheduler.Clock, logger *zap.SugaredLogger, m *metrics.Metrics, config PollerConfig) *Poller {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	return &Poller{
		client:  client,
		clock:   clock,
		logger:  logger,
		metrics: m,
		config:  config,
		loops:   make(map[string]*pollLoop),
	}
}

// Subscribe attaches to the refresh loop for jobID, starting it if needed.
// The returned channel delivers the current snapshot (if any) immediately and
// every subsequent change. The cancel function detaches the subscriber; when
// the last subscriber detaches, the loop and any in-flight request are
// cancelled.
func (p *Poller) Subscribe(jobID string) (<-chan Snapshot, func()) {
	p.mu.Lock()
	loop, ok := p.loops[jobID]
	if !ok || loop.finished() {
		ctx, cancel := context.WithCancel(context.Background())
		loop = &pollLoop{
			jobID:  jobID,
			cancel: cancel,
			subs:   make(map[int]chan Snapshot),
		}
		p.loops[jobID] = loop
		go p.run(ctx, loop)
	}
	p.mu.Unlock()

	return p.attach(jobID, loop)
}

// attach registers a subscriber channel on loop. The loop may reach a
// terminal status between the lookup and registration; in that case the
// channel delivers the final snapshot and is closed right away instead of
// joining a loop that has already returned.
func (p *Poller) attach(jobID string, loop *pollLoop) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	loop.mu.Lock()
	if loop.done {
		if loop.last != nil {
			ch <- *loop.last
		}
		close(ch)
		loop.mu.Unlock()
		return ch, func() {}
	}
	id := loop.nextSub
	loop.nextSub++
	loop.subs[id] = ch
	if loop.last != nil {
		ch <- *loop.last
	}
	loop.mu.Unlock()

	var once sync.Once
	cancelSub := func() {
		once.Do(func() {
			loop.mu.Lock()
			delete(loop.subs, id)
			empty := len(loop.subs) == 0
			loop.mu.Unlock()

			if empty {
				loop.cancel()
				p.forget(jobID, loop)
			}
		})
	}
	return ch, cancelSub
}

// Fetch returns a fresh snapshot outside any subscription, sharing its
// outbound request with a concurrently ticking loop for the same job.
func (p *Poller) Fetch(ctx context.Context, jobID string) (*Job, error) {
	v, err, _ := p.group.Do("job:"+jobID, func() (interface{}, error) {
		return p.client.GetJob(ctx, jobID)
	})
	if p.metrics != nil {
		p.metrics.RecordBridgePoll(ctx, jobID, err != nil)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Job), nil
}

func (p *Poller) run(ctx context.Context, loop *pollLoop) {
	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Debugw("Bridge poll loop started", "jobId", loop.jobID)
	defer p.logger.Debugw("Bridge poll loop stopped", "jobId", loop.jobID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if p.pollOnce(ctx, loop) {
				p.forget(loop.jobID, loop)
				return
			}
		}
	}
}

// pollOnce fetches the job and applies the result; returns true once the job
// is terminal and the loop should stop.
func (p *Poller) pollOnce(ctx context.Context, loop *pollLoop) bool {
	job, err := p.Fetch(ctx, loop.jobID)
	now := p.clock.Now()

	if err != nil {
		if ctx.Err() != nil {
			return true // cancelled; result abandoned
		}
		p.logger.Warnw("Bridge poll failed", "jobId", loop.jobID, "error", err)
		if snap, changed := loop.recordFailure(now, p.config.MaxFailures); changed {
			loop.broadcast(snap)
		}
		return false
	}

	snap, applied := loop.apply(job, now)
	if !applied {
		return false
	}
	loop.broadcast(snap)

	if job.Status.Terminal() {
		loop.mu.Lock()
		loop.done = true
		for _, ch := range loop.subs {
			close(ch)
		}
		loop.subs = make(map[int]chan Snapshot)
		loop.mu.Unlock()
		return true
	}
	return false
}

func (p *Poller) forget(jobID string, loop *pollLoop) {
	p.mu.Lock()
	if current, ok := p.loops[jobID]; ok && current == loop {
		delete(p.loops, jobID)
	}
	p.mu.Unlock()
}

func (l *pollLoop) finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// apply installs a successful fetch unless an already-applied snapshot is
// newer, which guards against a slow response landing after a fresher one.
func (l *pollLoop) apply(job *Job, at time.Time) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.last != nil && l.last.Job != nil && job.UpdatedAt.Before(l.last.Job.UpdatedAt) {
		return Snapshot{}, false
	}

	l.seq++
	l.failures = 0
	snap := Snapshot{
		Job:       job,
		Stale:     false,
		FetchedAt: at,
		Seq:       l.seq,
	}
	l.last = &snap
	return snap, true
}

// recordFailure bumps the consecutive failure count; once the budget is spent
// the last known-good snapshot is re-delivered with Stale set. The job status
// itself is never overwritten by a failed poll.
func (l *pollLoop) recordFailure(at time.Time, maxFailures int) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	if l.failures < maxFailures || l.last == nil {
		return Snapshot{}, false
	}
	if l.last.Stale {
		return Snapshot{}, false
	}

	l.seq++
	snap := Snapshot{
		Job:       l.last.Job,
		Stale:     true,
		Failures:  l.failures,
		FetchedAt: at,
		Seq:       l.seq,
	}
	l.last = &snap
	return snap, true
}

func (l *pollLoop) broadcast(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber keeps its backlog; it will see the next update.
		}
	}
}
