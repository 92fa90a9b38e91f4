package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/model"
)

var ErrQueueFull = errors.New("notification queue is full")

// Notifier delivers priority alerts to an external channel.
type Notifier interface {
	Name() string
	Deliver(ctx context.Context, alert *model.SecurityAlert) error
}

// Dispatcher fans alerts out to every configured channel from a background worker
// so that slow channels never hold up the request path.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan *model.SecurityAlert
	timeout   time.Duration
}

// Deliver queues the alert, it fails only when the queue is full.
func (d *Dispatcher) Deliver(ctx context.Context, alert *model.SecurityAlert) error {
	if len(d.notifiers) == 0 {
		return nil
	}
	select {
	case d.queue <- alert:
		return nil
	default:
		metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
		return ErrQueueFull
	}
}

// Send delivers the alert to all channels synchronously and joins their errors.
func (d *Dispatcher) Send(ctx context.Context, alert *model.SecurityAlert) error {
	var errs []error
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := n.Deliver(sendCtx, alert)
		cancel()
		if err != nil {
			metrics.Notifications.WithLabelValues(n.Name(), "error").Inc()
			slog.Error("Failed to deliver alert notification", "channel", n.Name(), "alertID", alert.AlertID, "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.Notifications.WithLabelValues(n.Name(), "sent").Inc()
	}
	return errors.Join(errs...)
}

// Run processes queued alerts until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case alert := <-d.queue:
			d.Send(ctx, alert)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			for {
				select {
				case alert := <-d.queue:
					d.Send(drainCtx, alert)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	return names
}

func NewDispatcher(queueSize int, timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan *model.SecurityAlert, queueSize),
		timeout:   timeout,
	}
}
