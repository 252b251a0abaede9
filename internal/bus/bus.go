// Package bus is a one-way message bus from the core's components to the
// UI layer. It never blocks a component on a slow or absent subscriber:
// Publish drops the message and logs a warning if the outbound channel is
// full, the same trade-off the teacher's webhook delivery makes (best
// effort, never block job processing on a downstream consumer).
package bus

import (
	"log/slog"

	"github.com/google/uuid"

	"nestwatcher/internal/logging"
	"nestwatcher/pkg/nestwatcher"
)

// Kind identifies which typed variant a Message carries.
type Kind string

const (
	KindRegisterWatcher Kind = "registerWatcher"
	KindWatcherReady    Kind = "watcherReady"
	KindWatcherEvent    Kind = "watcherEvent"
	KindWatcherError    Kind = "watcherError"
	KindWorkerError     Kind = "workerError"
	KindMachineHealth   Kind = "machineHealthSet"
	KindMachineHealthOK Kind = "machineHealthClear"
	KindDBNotify        Kind = "dbNotify"
	KindUserAlert       Kind = "userAlert"
	KindAppAlert        Kind = "appAlert"
	KindAppMessage      Kind = "appMessage"
)

// Message is the envelope every UI-bound notification travels in.
type Message struct {
	ID      string
	Kind    Kind
	Source  string
	Payload any
}

// Bus fans component events out to one or more subscriber channels.
type Bus struct {
	logger      *slog.Logger
	subscribers []chan Message
}

// New builds an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logging.Component(logger, "bus")}
}

// Subscribe registers a new buffered channel that receives every future
// Publish call. The returned channel is never closed by the Bus; callers
// drain it until their own context is done.
func (b *Bus) Subscribe(buffer int) <-chan Message {
	ch := make(chan Message, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish wraps payload in a Message and fans it out. A full subscriber
// channel is skipped (not blocked on) and logged at warn level.
func (b *Bus) Publish(kind Kind, source string, payload any) {
	msg := Message{ID: uuid.NewString(), Kind: kind, Source: source, Payload: payload}
	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("dropping message: subscriber channel full", "kind", kind, "source", source)
		}
	}
}

// PublishJobEvent is a convenience wrapper used by internal/lifecycle's
// Bus interface: it adapts a lifecycle transition into a watcherEvent
// message without internal/lifecycle needing to import this package's
// Kind/Message types directly.
func (b *Bus) PublishJobEvent(source string, msg any) {
	b.Publish(KindWatcherEvent, source, msg)
}

// PublishMachineHealth announces a health condition being set or cleared.
func (b *Bus) PublishMachineHealth(h nestwatcher.MachineHealth, cleared bool) {
	kind := KindMachineHealth
	if cleared {
		kind = KindMachineHealthOK
	}
	source := "global"
	if h.MachineID != nil {
		source = "machine"
	}
	b.Publish(kind, source, h)
}

// PublishAppMessage forwards a persisted feed entry to subscribers.
func (b *Bus) PublishAppMessage(m nestwatcher.AppMessage) {
	b.Publish(KindAppMessage, m.Source, m)
}

// UserAlert is the payload a KindUserAlert message carries: a modal dialog
// the UI shows until the operator dismisses it.
type UserAlert struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// PublishUserAlert raises a modal alert, e.g. when the AutoPAC watcher
// rejects a malformed completion CSV.
func (b *Bus) PublishUserAlert(source, title, message string) {
	b.Publish(KindUserAlert, source, UserAlert{Title: title, Message: message})
}

// AppAlert is the payload a KindAppAlert message carries: a toast-style
// notification that does not require dismissal.
type AppAlert struct {
	Category string `json:"category"`
	Summary  string `json:"summary"`
	Details  string `json:"details,omitempty"`
}

// PublishAppAlert raises a toast-style alert.
func (b *Bus) PublishAppAlert(source, category, summary, details string) {
	b.Publish(KindAppAlert, source, AppAlert{Category: category, Summary: summary, Details: details})
}

// PublishDBNotify announces that subscribers should refresh the named
// channel's view (e.g. "grundner", "allocated-material") — used by the
// inventory poller and the DB notification relay, both of which coalesce
// bursts of change before calling this.
func (b *Bus) PublishDBNotify(channel string) {
	b.Publish(KindDBNotify, channel, nil)
}

// PublishWatcherError reports a component-level failure that does not
// stop the process, e.g. a single malformed CSV row.
func (b *Bus) PublishWatcherError(source string, err error) {
	b.Publish(KindWatcherError, source, err.Error())
}
