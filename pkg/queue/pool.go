package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/kevin-mind/nopo-steward/pkg/events"
	"github.com/kevin-mind/nopo-steward/pkg/metrics"
	"github.com/kevin-mind/nopo-steward/pkg/orchestrator"
	"github.com/kevin-mind/nopo-steward/pkg/router"
	"github.com/kevin-mind/nopo-steward/pkg/store"
)

// Dispatcher runs one pre-routed decision. The orchestrator satisfies it; a
// fake stands in for tests.
type Dispatcher interface {
	Run(ctx context.Context, d router.Decision) (*orchestrator.Result, error)
}

// Config tunes the worker pool.
type Config struct {
	MaxWorkers        int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// OrphanThreshold is how stale a running dispatch's heartbeat may be
	// before it is requeued.
	OrphanThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 2 * time.Minute
	}
}

// Pool claims pending dispatches and runs them through the dispatcher.
// Workers sleep on a jittered poll interval and wake early on
// dispatch_created notifications.
type Pool struct {
	*Service

	cfg        Config
	dispatcher Dispatcher
	listener   *events.Listener
	log        *slog.Logger

	wake chan struct{}

	// runningMu guards the cancel registry of in-flight dispatches.
	runningMu sync.Mutex
	running   map[string]*runningDispatch

	cancelRoot context.CancelFunc
	wg         sync.WaitGroup
}

type runningDispatch struct {
	group  string
	cancel context.CancelFunc
}

// NewPool creates a pool. connString is used for the dedicated LISTEN
// connection; everything else goes through the shared store.
func NewPool(cfg Config, svc *Service, dispatcher Dispatcher, connString string) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		Service:    svc,
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        slog.Default().With("component", "queue"),
		wake:       make(chan struct{}, 1),
		running:    make(map[string]*runningDispatch),
	}
	p.listener = events.NewListener(connString, p.onNotification)
	return p
}

// Start launches the workers, the orphan sweeper and the notification
// listener.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancelRoot = cancel

	if err := p.listener.Start(runCtx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	for _, ch := range []string{events.ChannelDispatchCreated, events.ChannelDispatchCancel} {
		if err := p.listener.Subscribe(runCtx, ch); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	host, _ := os.Hostname()
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		workerID := fmt.Sprintf("%s-%d", host, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.workerLoop(runCtx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.orphanLoop(runCtx)
	}()

	p.log.Info("worker pool started", "workers", p.cfg.MaxWorkers)
	return nil
}

// Stop cancels all workers, waits for in-flight dispatches to finish their
// terminal writes and closes the listener.
func (p *Pool) Stop(ctx context.Context) {
	if p.cancelRoot != nil {
		p.cancelRoot()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out")
	}
	p.listener.Stop(ctx)
	p.log.Info("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	log := p.log.With("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := p.store.ClaimNext(ctx, workerID)
		if errors.Is(err, store.ErrNoPending) {
			p.idle(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", "error", err)
			p.idle(ctx)
			continue
		}

		p.runDispatch(ctx, d)
	}
}

// idle sleeps one jittered poll interval, cut short by a wakeup signal.
func (p *Pool) idle(ctx context.Context) {
	jitter := time.Duration(rand.Int64N(int64(p.cfg.PollInterval)/2 + 1))
	t := time.NewTimer(p.cfg.PollInterval + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-p.wake:
	}
}

func (p *Pool) wakeOne() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) onNotification(channel string, payload []byte) {
	switch channel {
	case events.ChannelDispatchCreated:
		p.wakeOne()
	case events.ChannelDispatchCancel:
		var c events.DispatchCancelPayload
		if err := json.Unmarshal(payload, &c); err != nil {
			p.log.Warn("bad cancel payload", "error", err)
			return
		}
		p.cancelGroup(c.ConcurrencyGroup)
	}
}

// cancelGroup cancels every in-flight dispatch of the group owned by this
// process. The runner observes the cancellation at its next action boundary.
func (p *Pool) cancelGroup(group string) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	for id, r := range p.running {
		if r.group == group {
			p.log.Info("cancelling dispatch", "id", id, "group", group)
			r.cancel()
		}
	}
}

func (p *Pool) track(id, group string, cancel context.CancelFunc) {
	p.runningMu.Lock()
	p.running[id] = &runningDispatch{group: group, cancel: cancel}
	p.runningMu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.runningMu.Lock()
	delete(p.running, id)
	p.runningMu.Unlock()
}

// resultSummary is the JSON stored on the dispatch row.
type resultSummary struct {
	State      string          `json:"state,omitempty"`
	Retrigger  bool            `json:"retrigger,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
	Actions    []actionSummary `json:"actions,omitempty"`
}

type actionSummary struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func summarize(res *orchestrator.Result) json.RawMessage {
	if res == nil {
		return nil
	}
	s := resultSummary{
		State:      string(res.State),
		Retrigger:  res.Retrigger,
		SkipReason: res.SkipReason,
	}
	if res.Execution != nil {
		for _, a := range res.Execution.Actions {
			as := actionSummary{Kind: string(a.Kind), Status: string(a.Status)}
			if a.Error != "" {
				as.Error = a.Error
			}
			s.Actions = append(s.Actions, as)
		}
	}
	b, _ := json.Marshal(s)
	return b
}

func (p *Pool) runDispatch(ctx context.Context, d *store.Dispatch) {
	log := p.log.With("id", d.ID, "job", d.Job, "resource", d.ResourceNumber)

	dec, err := d.Decision()
	if err != nil {
		log.Error("unreadable dispatch context", "error", err)
		p.finish(d, store.StatusFailed, nil, err.Error())
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.track(d.ID, d.ConcurrencyGroup, cancel)
	defer p.untrack(d.ID)

	stopHB := make(chan struct{})
	go p.heartbeatLoop(d.ID, stopHB)

	start := time.Now()
	res, runErr := p.dispatcher.Run(runCtx, dec)
	close(stopHB)

	status := store.StatusCompleted
	errMsg := ""
	switch {
	case runCtx.Err() != nil:
		status = store.StatusCancelled
		errMsg = "dispatch cancelled"
	case runErr != nil:
		status = store.StatusFailed
		errMsg = runErr.Error()
	case res != nil && res.Skipped:
		status = store.StatusSkipped
	}

	metrics.DispatchesTotal.WithLabelValues(d.Job, string(status)).Inc()
	metrics.DispatchDuration.WithLabelValues(d.Job).Observe(time.Since(start).Seconds())
	log.Info("dispatch finished", "status", status, "duration", time.Since(start))

	// Transient states are not re-enqueued here: the applied changes produce
	// their own follow-up event upstream. The retrigger flag is recorded on
	// the result for observers.
	p.finish(d, status, summarize(res), errMsg)
}

// finish writes the terminal status on a background-derived context so a
// shutdown in progress never loses the result.
func (p *Pool) finish(d *store.Dispatch, status store.Status, result json.RawMessage, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.Finish(ctx, d.ID, status, result, errMsg); err != nil {
		p.log.Error("terminal write failed", "id", d.ID, "error", err)
		return
	}
	if err := p.pub.DispatchCompleted(ctx, events.DispatchCompletedPayload{
		ID:     d.ID,
		Status: string(status),
	}); err != nil {
		p.log.Warn("completed signal failed", "id", d.ID, "error", err)
	}
}

func (p *Pool) heartbeatLoop(id string, stop <-chan struct{}) {
	t := time.NewTicker(p.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.store.Heartbeat(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				p.log.Warn("heartbeat failed", "id", id, "error", err)
			}
			cancel()
		}
	}
}

// orphanLoop periodically requeues running dispatches whose worker stopped
// heartbeating.
func (p *Pool) orphanLoop(ctx context.Context) {
	t := time.NewTicker(p.cfg.OrphanThreshold / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.store.RequeueOrphans(ctx, p.cfg.OrphanThreshold)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("orphan sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.wakeOne()
			}
		}
	}
}
