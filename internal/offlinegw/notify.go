package offlinegw

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// maxInbox bounds how many notifications an Inbox remembers.
const maxInbox = 100

// Inbox is the default Notifier and WindowOpener. A server has no screen, so
// it logs what it would display and keeps the recent history for the admin
// API.
type Inbox struct {
	log *zap.Logger

	mu            sync.Mutex
	notifications []Notification
	windows       []string
}

func NewInbox(log *zap.Logger) *Inbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inbox{log: log}
}

func (in *Inbox) Show(_ context.Context, n Notification) error {
	in.mu.Lock()
	in.notifications = append(in.notifications, n)
	if len(in.notifications) > maxInbox {
		in.notifications = in.notifications[len(in.notifications)-maxInbox:]
	}
	in.mu.Unlock()
	in.log.Info("notification", zap.String("id", n.ID), zap.String("title", n.Title), zap.String("body", n.Body))
	return nil
}

func (in *Inbox) Close(_ context.Context, id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i, n := range in.notifications {
		if n.ID == id {
			in.notifications = append(in.notifications[:i], in.notifications[i+1:]...)
			return nil
		}
	}
	return nil
}

func (in *Inbox) FocusOrOpen(_ context.Context, url string) error {
	in.mu.Lock()
	focused := false
	for _, w := range in.windows {
		if w == url {
			focused = true
			break
		}
	}
	if !focused {
		in.windows = append(in.windows, url)
	}
	in.mu.Unlock()
	in.log.Info("window", zap.String("url", url), zap.Bool("focused", focused))
	return nil
}

// Notifications returns the notifications currently showing, oldest first.
func (in *Inbox) Notifications() []Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Notification(nil), in.notifications...)
}

// Windows returns the URLs of the windows opened so far.
func (in *Inbox) Windows() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.windows...)
}
