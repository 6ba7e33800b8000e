package reconcile

import (
	"time"

	"orderpulse/internal/logging"
)

const (
	defaultOrderNoticeTitle = "Order update"
	defaultOrderNoticeBody  = "Your order status has been updated."
	defaultNotificationText = "Notification"
)

// Notice is a transient message for the user.
type Notice struct {
	Event string
	Title string
	Body  string
	At    time.Time
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier prints notices through the application logger.
type LogNotifier struct {
	Logger *logging.Logger
}

func (n LogNotifier) Notify(notice Notice) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info(notice.Title,
		logging.Field("body", notice.Body),
		logging.Field("event", notice.Event),
	)
}
