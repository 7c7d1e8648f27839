// Package dispatcher implements NOMAD's multi-status dispatcher: the
// top-level scheduler that polls the board, routes each lifecycle status
// to its sub-processor, and coordinates one-shot and continuous run modes.
package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ddcodepl/nomad/internal/statemachine"
)

// priorityOrder is the fixed status scan order: Failed/Queued/Ready
// first, then the refinement-adjacent statuses, then everything else.
var priorityOrder = []string{
	statemachine.Failed,
	statemachine.QueuedToRun,
	statemachine.ReadyToRun,
	statemachine.ToRefine,
	statemachine.PrepareTasks,
	statemachine.PreparingTasks,
	statemachine.Refined,
	statemachine.InProgress,
	statemachine.Done,
}

// SubProcessor handles every page currently in one lifecycle status.
type SubProcessor func(ctx context.Context, pageIDs []string) error

// BoardClient is the surface the dispatcher needs: per-status page id
// listing (the board client serves these from its query cache until the
// cache TTL expires).
type BoardClient interface {
	PageIDsByStatus(ctx context.Context, status string) ([]string, error)
}

// Dispatcher is the top-level scheduler.
type Dispatcher struct {
	board        BoardClient
	processors   map[string]SubProcessor
	pollInterval time.Duration
	cooldown     time.Duration
	cooldownAge  time.Duration

	onCycle func(CycleResult)

	mu          sync.Mutex
	lastHandled map[string]time.Time
	cycles      int
	successes   int
	failures    int
}

// CycleResult summarizes one completed RunOnce pass, for callers that want
// to surface live cycle activity (the dashboard's SSE feed, a digest bridge).
// Critical is set when every status query failed, i.e. the board is
// unreachable rather than one sub-processor having a bad day.
type CycleResult struct {
	Cycle     int
	Successes int
	Failures  int
	Critical  bool
}

// Opts configures a Dispatcher.
type Opts struct {
	Board        BoardClient
	Processors   map[string]SubProcessor
	PollInterval time.Duration // default 60s
	Cooldown     time.Duration // default 120s
	CooldownAge  time.Duration // default 1h; entries older than this are pruned
	OnCycle      func(CycleResult)
}

// New constructs a Dispatcher.
func New(opts Opts) *Dispatcher {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 60 * time.Second
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 120 * time.Second
	}
	cooldownAge := opts.CooldownAge
	if cooldownAge <= 0 {
		cooldownAge = time.Hour
	}
	return &Dispatcher{
		board:        opts.Board,
		processors:   opts.Processors,
		pollInterval: poll,
		cooldown:     cooldown,
		cooldownAge:  cooldownAge,
		onCycle:      opts.OnCycle,
		lastHandled:  make(map[string]time.Time),
	}
}

// RunOnce performs a single dispatch cycle across every status in priority
// order. It never returns an error for a single status's failure: those
// are logged and the cycle proceeds.
func (d *Dispatcher) RunOnce(ctx context.Context) CycleResult {
	d.mu.Lock()
	d.cycles++
	cycle := d.cycles
	d.mu.Unlock()

	d.pruneCooldowns()

	anyFailure := false
	queried, queryFailed := 0, 0
	for _, status := range priorityOrder {
		if ctx.Err() != nil {
			return CycleResult{Cycle: cycle}
		}
		processor, ok := d.processors[status]
		if !ok {
			continue
		}
		queried++
		ids, err := d.board.PageIDsByStatus(ctx, status)
		if err != nil {
			log.Printf("dispatcher: query status %q: %v", status, err)
			anyFailure = true
			queryFailed++
			continue
		}
		ids = d.filterCooldown(ids)
		if len(ids) == 0 {
			continue
		}
		if err := processor(ctx, ids); err != nil {
			log.Printf("dispatcher: status %q sub-processor: %v", status, err)
			anyFailure = true
			continue
		}
		d.markHandled(ids)
	}

	d.mu.Lock()
	if anyFailure {
		d.failures++
	} else {
		d.successes++
	}
	total := d.successes + d.failures
	rate := 0.0
	if total > 0 {
		rate = float64(d.successes) / float64(total)
	}
	successes, failures := d.successes, d.failures
	d.mu.Unlock()

	if cycle%10 == 0 {
		log.Printf("dispatcher: rolling success rate after %d cycles: %.1f%%", cycle, rate*100)
	}
	result := CycleResult{
		Cycle:     cycle,
		Successes: successes,
		Failures:  failures,
		Critical:  queried > 0 && queryFailed == queried,
	}
	if d.onCycle != nil {
		d.onCycle(result)
	}
	return result
}

// criticalRetryDelay is how long continuous mode waits after a cycle in
// which the board was unreachable, instead of the full poll interval.
const criticalRetryDelay = 30 * time.Second

// RunContinuous loops RunOnce every pollInterval until ctx is cancelled,
// checking the shutdown predicate every 5s between sleeps. A cycle that
// could not reach the board at all retries sooner.
func (d *Dispatcher) RunContinuous(ctx context.Context) {
	for {
		result := d.RunOnce(ctx)
		delay := d.pollInterval
		if result.Critical {
			log.Printf("dispatcher: board unreachable this cycle, retrying in %s", criticalRetryDelay)
			delay = criticalRetryDelay
		}
		if !d.sleepWithShutdownCheck(ctx, delay) {
			return
		}
	}
}

func (d *Dispatcher) sleepWithShutdownCheck(ctx context.Context, total time.Duration) bool {
	const tick = 5 * time.Second
	elapsed := time.Duration(0)
	for elapsed < total {
		step := tick
		if total-elapsed < step {
			step = total - elapsed
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
		elapsed += step
	}
	return true
}

// filterCooldown drops page ids that were handled within the cooldown
// window.
func (d *Dispatcher) filterCooldown(ids []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := ids[:0:0]
	now := time.Now()
	for _, id := range ids {
		if last, ok := d.lastHandled[id]; ok && now.Sub(last) < d.cooldown {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) markHandled(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		d.lastHandled[id] = now
	}
}

// pruneCooldowns removes entries older than cooldownAge.
func (d *Dispatcher) pruneCooldowns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-d.cooldownAge)
	for id, t := range d.lastHandled {
		if t.Before(cutoff) {
			delete(d.lastHandled, id)
		}
	}
}
