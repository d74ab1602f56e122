package alert

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/monitor"
)

// Dispatcher fans out violation events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	log     *zap.Logger
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, log *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{configs: configs, log: log}
}

// FromViolation converts a monitor violation into a webhook payload.
func FromViolation(roomCode string, v monitor.ViolationEvent) AlertEvent {
	return AlertEvent{
		Timestamp: v.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		RoomCode:  roomCode,
		Kind:      string(v.Kind),
		Type:      v.Kind.Label(),
		Message:   v.Message,
		Count:     v.Count,
		Terminal:  v.Kind.Terminal(),
	}
}

// Alert implements monitor.AlertSink. It never blocks and never fails: each
// matching webhook is posted from its own goroutine and errors are logged.
func (d *Dispatcher) Alert(roomCode string, v monitor.ViolationEvent) error {
	if v.OccurredAt.IsZero() {
		v.OccurredAt = time.Now()
	}
	d.Dispatch(FromViolation(roomCode, v))
	return nil
}

// Dispatch sends the event to all webhooks whose Events list matches event.Kind.
// Each webhook is posted from its own goroutine.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	for _, cfg := range d.configs {
		if matches(cfg.Events, event) {
			go func(cfg AlertConfig) {
				if err := Send(cfg, event); err != nil {
					d.log.Warn("violation webhook failed",
						zap.String("url", cfg.URL),
						zap.String("kind", event.Kind),
						zap.Error(err))
				}
			}(cfg)
		}
	}
}

// DispatchWait sends like Dispatch but returns once every matching webhook
// has been attempted. Used when the process is about to exit.
func (d *Dispatcher) DispatchWait(event AlertEvent) {
	var wg sync.WaitGroup
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		wg.Add(1)
		go func(cfg AlertConfig) {
			defer wg.Done()
			if err := Send(cfg, event); err != nil {
				d.log.Warn("alert webhook failed",
					zap.String("url", cfg.URL),
					zap.String("kind", event.Kind),
					zap.Error(err))
			}
		}(cfg)
	}
	wg.Wait()
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Kind {
			return true
		}
		if e == "terminal" && event.Terminal {
			return true
		}
	}
	return false
}
