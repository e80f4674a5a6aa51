package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/diff"
	"github.com/AIQIA/corex-ai-mindlayer/internal/release"
)

// Event reports a state transition.
type Event struct {
	TxID    string    `json:"txId"`
	From    State     `json:"from"`
	State   State     `json:"state"`
	Message string    `json:"message,omitempty"`
	Err     string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Observer receives transition events. Implementations must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// ChannelObserver forwards events to a buffered channel, dropping events
// when the channel is full.
type ChannelObserver struct {
	ch chan Event
}

// NewChannelObserver creates an observer with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the channel.
func (o *ChannelObserver) Events() <-chan Event { return o.ch }

func (o *ChannelObserver) Notify(e Event) {
	select {
	case o.ch <- e:
	default:
	}
}

// LogObserver writes every event to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer logging at debug level, or warn for
// events carrying an error.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Notify(e Event) {
	attrs := []any{
		slog.String("tx_id", e.TxID),
		slog.String("from", string(e.From)),
		slog.String("state", string(e.State)),
	}
	if e.Message != "" {
		attrs = append(attrs, slog.String("detail", e.Message))
	}
	if e.Err != "" {
		o.logger.Warn("update transition", append(attrs, slog.String("error", e.Err))...)
		return
	}
	o.logger.Debug("update transition", attrs...)
}

// Observers fans an event out to several observers.
type Observers []Observer

func (obs Observers) Notify(e Event) {
	for _, o := range obs {
		if o != nil {
			o.Notify(e)
		}
	}
}

// Prompt is everything a Confirmer sees at the gate.
type Prompt struct {
	TxID             string          `json:"txId"`
	InstalledVersion string          `json:"installedVersion"`
	Release          release.Release `json:"release"`
	Diff             *diff.Result    `json:"diff"`
	Backup           *backup.Backup  `json:"backup"`
}

// Confirmer decides whether a non-low-risk update goes ahead. Confirm may
// block until the user answers or ctx is done.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (Decision, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, p Prompt) (Decision, error)

func (f ConfirmFunc) Confirm(ctx context.Context, p Prompt) (Decision, error) { return f(ctx, p) }

// Always returns a Confirmer that answers d without asking.
func Always(d Decision) Confirmer {
	return ConfirmFunc(func(context.Context, Prompt) (Decision, error) { return d, nil })
}

// Pinned answers d only for the release the user reviewed: the prompt's
// version must equal version and, when risk is set, its risk level must
// equal risk. Any other prompt is deferred and offered again.
func Pinned(d Decision, version string, risk diff.Level) Confirmer {
	want := strings.TrimPrefix(strings.TrimSpace(version), "v")
	return ConfirmFunc(func(_ context.Context, p Prompt) (Decision, error) {
		if strings.TrimPrefix(p.Release.Version, "v") != want {
			return Defer, nil
		}
		if risk != "" && (p.Diff == nil || p.Diff.RiskLevel != risk) {
			return Defer, nil
		}
		return d, nil
	})
}
