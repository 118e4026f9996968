package offlinegw

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// EventKind is one of the host events a gateway handles.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notification-click"
	EventSync              EventKind = "sync"
)

// Event is a host event. Only the fields of its kind are read.
type Event struct {
	Kind EventKind

	// fetch
	Request *http.Request
	Respond func(Outcome, error)

	// push
	Payload []byte

	// notification-click
	NotificationID string

	// sync
	Tag string
}

// Notification is what a push event shows.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon,omitempty"`
	Badge     string    `json:"badge,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// WindowOpener brings an application window to the front, opening one if none
// is showing url.
type WindowOpener interface {
	FocusOrOpen(ctx context.Context, url string) error
}

// Reconciler runs when connectivity returns.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Dispatcher routes host events to their handlers. Every handler runs as a
// Task the host awaits before going on.
type Dispatcher struct {
	gateway    *Gateway
	notifier   Notifier
	windows    WindowOpener
	reconciler Reconciler
	syncTags   []string
	notifyCfg  NotificationConfig

	log     *zap.Logger
	metrics *metrics
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) *Task {
	var handler func(context.Context) error
	switch ev.Kind {
	case EventInstall:
		handler = d.gateway.lifecycle.Install
	case EventActivate:
		handler = d.gateway.lifecycle.Activate
	case EventFetch:
		handler = func(ctx context.Context) error { return d.onFetch(ctx, ev) }
	case EventPush:
		handler = func(ctx context.Context) error { return d.onPush(ctx, ev.Payload) }
	case EventNotificationClick:
		handler = func(ctx context.Context) error { return d.onNotificationClick(ctx, ev.NotificationID) }
	case EventSync:
		handler = func(ctx context.Context) error { return d.onSync(ctx, ev.Tag) }
	default:
		d.metrics.events.WithLabelValues(string(ev.Kind), "unknown").Inc()
		return Resolved(errors.Newf(errors.CodeInvalidInput, "unknown event kind %q", ev.Kind))
	}

	return Go(ctx, func(ctx context.Context) error {
		err := handler(ctx)
		result := "ok"
		if err != nil {
			result = "error"
		}
		d.metrics.events.WithLabelValues(string(ev.Kind), result).Inc()
		return err
	})
}

func (d *Dispatcher) onFetch(ctx context.Context, ev Event) error {
	if ev.Request == nil {
		return errors.New(errors.CodeInvalidInput, "fetch event without request")
	}
	out, err := d.gateway.Fetch(ctx, ev.Request)
	if ev.Respond != nil {
		ev.Respond(out, err)
	}
	return err
}

// onPush shows a notification whose body is the payload text, or the default
// body when the push carried nothing.
func (d *Dispatcher) onPush(ctx context.Context, payload []byte) error {
	body := string(payload)
	if body == "" {
		body = d.notifyCfg.DefaultBody
	}
	n := Notification{
		ID:        uuid.NewString(),
		Title:     d.notifyCfg.Title,
		Body:      body,
		Icon:      d.notifyCfg.Icon,
		Badge:     d.notifyCfg.Badge,
		CreatedAt: time.Now().UTC(),
	}
	return d.notifier.Show(ctx, n)
}

// onNotificationClick dismisses the notification and focuses the app root.
func (d *Dispatcher) onNotificationClick(ctx context.Context, id string) error {
	if id != "" {
		if err := d.notifier.Close(ctx, id); err != nil {
			d.log.Debug("closing notification failed", zap.String("id", id), zap.Error(err))
		}
	}
	return d.windows.FocusOrOpen(ctx, d.gateway.cfg.Server.Origin+"/")
}

func (d *Dispatcher) onSync(ctx context.Context, tag string) error {
	if !slices.Contains(d.syncTags, tag) {
		d.log.Debug("ignoring sync for unknown tag", zap.String("tag", tag))
		return nil
	}
	d.log.Info("sync started", zap.String("tag", tag))
	return d.reconciler.Reconcile(ctx)
}
