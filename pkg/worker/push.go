package worker

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/notifier"
)

const (
	DefaultPushTitle = "New notification"
	DefaultPushIcon  = "/icon.png"
	DefaultPushURL   = "/"

	actionClose = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is the display payload of a push.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	URL     string               `json:"url"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

var defaultActions = []NotificationAction{
	{Action: "open", Title: "Open"},
	{Action: actionClose, Title: "Close"},
}

// ParseNotification decodes a push payload and fills in the defaults.
// A payload that is not a JSON object becomes the notification body.
func ParseNotification(payload []byte) Notification {
	var n Notification
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n); err != nil {
			n = Notification{Body: string(payload)}
		}
	}
	if len(n.Title) == 0 {
		n.Title = DefaultPushTitle
	}
	if len(n.Icon) == 0 {
		n.Icon = DefaultPushIcon
	}
	if len(n.Badge) == 0 {
		n.Badge = n.Icon
	}
	if len(n.URL) == 0 {
		n.URL = DefaultPushURL
	}
	if len(n.Actions) == 0 {
		n.Actions = defaultActions
	}
	return n
}

// Push handles a push event and broadcasts the notification to all pages.
func (w *Worker) Push(payload []byte) Notification {
	n := ParseNotification(payload)
	w.opts.Clients.Broadcast(notifier.NewPushNotification(n))
	w.logger.Debug("push broadcast", zap.String("title", n.Title), zap.Int("clients", w.opts.Clients.Len()))
	return n
}

// NotificationClick focuses a page already showing url, or asks the
// clicking page to open it. The close action only dismisses.
func (w *Worker) NotificationClick(clientID, action, url string) error {
	if action == actionClose {
		return nil
	}
	if len(url) == 0 {
		url = DefaultPushURL
	}
	if id, ok := w.opts.Clients.FindByURL(url); ok {
		return w.opts.Clients.Send(id, notifier.NewFocus(url))
	}
	if len(clientID) == 0 {
		w.opts.Clients.Broadcast(notifier.NewOpenWindow(url))
		return nil
	}
	return w.opts.Clients.Send(clientID, notifier.NewOpenWindow(url))
}
