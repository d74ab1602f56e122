// Package processlog periodically uploads the host process list while an
// interview is active.
package processlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/procscan"
)

// DefaultPeriod between uploads.
const DefaultPeriod = 10 * time.Minute

// Uploader receives process snapshots.
type Uploader interface {
	LogProcesses(ctx context.Context, roomCode, processList string) error
}

// Scheduler fires fn every period until cancelled.
type Scheduler interface {
	Every(period time.Duration, fn func()) (cancel func())
}

// Reporter uploads a snapshot immediately on Start and then every period.
// Start and Stop are called from the control loop; uploads run on their own
// goroutine and never block it. Failures are logged and never retried.
type Reporter struct {
	procs  procscan.Provider
	up     Uploader
	sched  Scheduler
	period time.Duration
	log    *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopTick func()
	wg       sync.WaitGroup
}

// New creates a Reporter. A zero period uses DefaultPeriod.
func New(procs procscan.Provider, up Uploader, sched Scheduler, period time.Duration, log *zap.Logger) *Reporter {
	if period <= 0 {
		period = DefaultPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{procs: procs, up: up, sched: sched, period: period, log: log}
}

// Start begins reporting for roomCode. A running reporter is restarted.
func (r *Reporter) Start(roomCode string) {
	r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	// A cancelled upload may still be unwinding; it must not hold back
	// this session's uploads.
	busy := new(atomic.Bool)
	r.report(ctx, roomCode, busy)
	stop := r.sched.Every(r.period, func() { r.report(ctx, roomCode, busy) })

	r.mu.Lock()
	r.stopTick = stop
	r.mu.Unlock()
	r.log.Info("process log reporting started", zap.String("room", roomCode), zap.Duration("period", r.period))
}

// Stop cancels the timer and any upload in flight without waiting for it.
// Idempotent.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, stop := r.cancel, r.stopTick
	r.cancel, r.stopTick = nil, nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
		r.log.Info("process log reporting stopped")
	}
}

func (r *Reporter) report(ctx context.Context, roomCode string, busy *atomic.Bool) {
	if !busy.CompareAndSwap(false, true) {
		r.log.Debug("previous process upload still running, skipping tick")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer busy.Store(false)

		list, err := r.procs.Snapshot(ctx)
		if err != nil {
			r.log.Warn("process snapshot failed", zap.Error(err))
			return
		}
		if err := r.up.LogProcesses(ctx, roomCode, list); err != nil {
			if ctx.Err() == nil {
				r.log.Warn("failed to send process log", zap.String("room", roomCode), zap.Error(err))
			}
			return
		}
		r.log.Debug("process log sent", zap.String("room", roomCode), zap.Int("bytes", len(list)))
	}()
}

// wait blocks until uploads in flight finish.
func (r *Reporter) wait() {
	r.wg.Wait()
}
