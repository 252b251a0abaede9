// Package notify relays Postgres LISTEN/NOTIFY traffic to the UI bus: one
// long-lived pq.Listener subscribed to a fixed set of channels, each
// notification coalesced behind a short per-channel debounce before it
// reaches the bus as a typed refresh hint.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"nestwatcher/internal/logging"
)

// Channels are the database channels the relay subscribes to.
var Channels = []string{"grundner_changed", "allocated_material_changed"}

const (
	reconnectInterval = time.Second
	debounceInterval  = 250 * time.Millisecond
	minReconnect      = 10 * time.Second
	maxReconnect      = time.Minute
)

// Bus is the subset of internal/bus.Bus the relay needs.
type Bus interface {
	PublishDBNotify(channel string)
}

// Relay owns the LISTEN connection and the per-channel debounce timers.
type Relay struct {
	dsn    string
	bus    Bus
	logger *slog.Logger

	newListener func(dsn string, minReconnect, maxReconnect time.Duration, cb pq.EventCallbackType) *pq.Listener
}

// New builds a Relay against dsn, the same connection string the store
// dials with sql.Open("postgres", dsn).
func New(dsn string, bus Bus, logger *slog.Logger) *Relay {
	return &Relay{
		dsn:         dsn,
		bus:         bus,
		logger:      logging.Component(logger, "notify"),
		newListener: pq.NewListener,
	}
}

// Run subscribes to Channels and forwards debounced notifications to the
// bus until ctx is cancelled. On a listener error it closes the
// connection, waits reconnectInterval, and retries.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.runOnce(ctx); err != nil {
			r.logger.Warn("notify listener failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		timer := time.NewTimer(reconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) error {
	errc := make(chan error, 1)
	listener := r.newListener(r.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventConnectionAttemptFailed && err != nil {
			select {
			case errc <- err:
			default:
			}
		}
	})
	defer listener.Close()

	for _, channel := range Channels {
		if err := listener.Listen(channel); err != nil {
			return err
		}
	}
	r.logger.Info("notify listener ready", "channels", Channels)

	debounce := newDebouncer(debounceInterval, r.bus)
	defer debounce.stop()

	return consume(ctx, listener.Notify, errc, debounce)
}

// consume drains notifyCh until ctx is cancelled, errc yields an error, or
// notifyCh closes, debouncing each notification's channel before it
// reaches the bus. Split out from runOnce so it can be exercised against
// a fake notification channel without a real Postgres connection.
func consume(ctx context.Context, notifyCh <-chan *pq.Notification, errc <-chan error, debounce *debouncer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case n, ok := <-notifyCh:
			if !ok {
				return nil
			}
			if n == nil {
				continue
			}
			debounce.notify(n.Channel)
		}
	}
}

// debouncer coalesces bursts of notifications on the same channel into a
// single bus publish after interval elapses since the last one seen.
type debouncer struct {
	interval time.Duration
	bus      Bus
	timers   map[string]*time.Timer
}

func newDebouncer(interval time.Duration, bus Bus) *debouncer {
	return &debouncer{interval: interval, bus: bus, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) notify(channel string) {
	if t, ok := d.timers[channel]; ok {
		t.Stop()
	}
	d.timers[channel] = time.AfterFunc(d.interval, func() {
		d.bus.PublishDBNotify(channel)
	})
}

func (d *debouncer) stop() {
	for _, t := range d.timers {
		t.Stop()
	}
}
