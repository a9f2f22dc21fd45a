// Package eventbus implements the Event Bus (spec §4.3): it subscribes to
// the Store's pub/sub channels, translates each raw message into a typed
// event.Event, and forwards it on an internal Go channel for the Fanout
// Router to consume. Every subscriber gets its own copy — duplicate fanout
// across monitors, clients and observers is expected, not a bug.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/stakeordie/jobqueue/internal/domain/event"
	"github.com/stakeordie/jobqueue/internal/store"
)

// Bus forwards a single Redis pub/sub subscription onto one buffered Go
// channel for its single in-process reader.
type Bus struct {
	rdb *redis.Client
	log *slog.Logger

	events chan event.Event
}

func New(s *store.Store, log *slog.Logger) *Bus {
	return &Bus{
		rdb:    s.Raw(),
		log:    log,
		events: make(chan event.Event, 256),
	}
}

// Events returns the channel the Fanout Router reads from. There is exactly
// one reader in this process; Run is the only writer.
func (b *Bus) Events() <-chan event.Event {
	return b.events
}

// Run subscribes to every channel in store.Channels() and blocks until ctx
// is cancelled. It is meant to run in its own goroutine from main.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, store.Channels()...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			close(b.events)
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				close(b.events)
				return nil
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(channel string, payload []byte) {
	evt, ok := translate(channel, payload)
	if !ok {
		if b.log != nil {
			b.log.Warn("eventbus: unrecognized channel", "channel", channel)
		}
		return
	}

	select {
	case b.events <- evt:
	default:
		// Slow consumer: drop rather than block the subscription loop and
		// risk falling behind Redis's pub/sub buffer.
		if b.log != nil {
			b.log.Warn("eventbus: events channel full, dropping event", "kind", evt.Kind, "jobId", evt.JobID)
		}
	}
}

// wireMessage is the generic envelope every channel publishes (see
// internal/broker and internal/registry's publish call sites).
type wireMessage struct {
	JobID     string `json:"jobId"`
	WorkerID  string `json:"workerId"`
	Status    string `json:"status"`
	OldStatus string `json:"oldStatus"`
	Progress  *int   `json:"progress"`
	Message   string `json:"message"`
	Result    any    `json:"result"`
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	MachineID string `json:"machineId"`
	Step      string `json:"step"`
	Timestamp int64  `json:"timestamp"`
}

func translate(channel string, payload []byte) (event.Event, bool) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return event.Event{}, false
	}

	base := event.Event{
		Timestamp: wire.Timestamp,
		JobID:     wire.JobID,
		WorkerID:  wire.WorkerID,
		Status:    wire.Status,
		OldStatus: wire.OldStatus,
		Progress:  wire.Progress,
		Message:   wire.Message,
		Result:    wire.Result,
		Error:     wire.Error,
		Reason:    wire.Reason,
		MachineID: wire.MachineID,
		Step:      wire.Step,
	}

	switch channel {
	case store.ChannelJobSubmitted:
		base.Kind = event.KindJobSubmitted
	case store.ChannelJobAssigned:
		base.Kind = event.KindJobAssigned
	case store.ChannelJobStatusChanged:
		base.Kind = event.KindJobStatusChanged
	case store.ChannelUpdateJobProgress:
		base.Kind = event.KindUpdateJobProgress
	case store.ChannelCompleteJob:
		base.Kind = event.KindCompleteJob
	case store.ChannelCancelJob:
		base.Kind = event.KindCancelJob
	case store.ChannelWorkerStatus:
		if wire.Status == "failed" {
			base.Kind = event.KindJobFailed
		} else {
			base.Kind = event.KindWorkerStatusChanged
		}
	case store.ChannelMachineStartup:
		switch wire.Step {
		case "":
			base.Kind = event.KindMachineStartup
		case "complete":
			base.Kind = event.KindMachineStartupDone
		default:
			base.Kind = event.KindMachineStartupStep
		}
	default:
		return event.Event{}, false
	}

	return base, true
}
