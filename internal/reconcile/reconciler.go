package reconcile

import (
	"encoding/json"
	"strings"
	"time"

	"orderpulse/internal/channel"
	"orderpulse/internal/client"
	"orderpulse/internal/logging"
	"orderpulse/internal/realtime"
)

type orderEvent struct {
	OrderID client.ID `json:"orderId"`
	Status  string    `json:"status,omitempty"`
	Title   string    `json:"title,omitempty"`
	Body    string    `json:"body,omitempty"`
}

type Reconciler struct {
	profile       Profile
	policy        Policy
	cache         *QueryCache
	notifications *NotificationList
	notifier      Notifier
	logger        *logging.Logger
	now           func() time.Time
}

func New(profile Profile, cache *QueryCache, notifications *NotificationList, notifier Notifier, logger *logging.Logger) *Reconciler {
	if cache == nil {
		panic("reconcile.New: cache must not be nil")
	}
	if notifications == nil {
		panic("reconcile.New: notifications must not be nil")
	}
	if logger == nil {
		panic("reconcile.New: logger must not be nil")
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Reconciler{
		profile:       profile,
		policy:        PolicyFor(profile),
		cache:         cache,
		notifications: notifications,
		notifier:      notifier,
		logger:        logger,
		now:           time.Now,
	}
}

func (r *Reconciler) Profile() Profile {
	return r.profile
}

// Attach subscribes to every event type of the profile's policy. The returned
// func unsubscribes all of them.
func (r *Reconciler) Attach(ch *channel.Channel) (detach func()) {
	subs := make([]*channel.Subscription, 0, len(r.policy))
	for eventType := range r.policy {
		subs = append(subs, ch.Subscribe(eventType, r.Handle))
	}
	r.logger.Debug("reconciler attached",
		logging.Field("channel_id", ch.ID()),
		logging.Field("profile", string(r.profile)),
		logging.Field("event_types", len(subs)),
	)
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// Handle applies the profile's reaction to one event. It never blocks on the
// network; refetches run inside the query cache.
func (r *Reconciler) Handle(event realtime.Event) {
	reaction, ok := r.policy[event.Name]
	if !ok {
		r.logger.Debugf("ignoring %q for profile %s", event.Name, r.profile)
		return
	}
	r.logger.Debug("realtime event received",
		logging.Field("event", event.Name),
		logging.Field("payload", event.Data),
	)

	if reaction.Record {
		r.record(event)
		return
	}

	keys := append([]string(nil), reaction.Invalidate...)
	payload := orderEvent{}
	if reaction.InvalidateOrder || reaction.Notify {
		if err := decodePayload(event.Data, &payload); err != nil {
			r.logger.Warn("malformed order event payload",
				logging.Field("event", event.Name),
				logging.Field("error", err),
			)
		}
	}
	if id := strings.TrimSpace(string(payload.OrderID)); reaction.InvalidateOrder && id != "" {
		keys = append(keys, OrderKey(id))
	}
	for _, key := range keys {
		r.cache.Invalidate(key)
	}

	if reaction.Notify {
		notice := Notice{Event: event.Name, Title: payload.Title, Body: payload.Body, At: r.now()}
		if strings.TrimSpace(notice.Title) == "" {
			notice.Title = defaultOrderNoticeTitle
		}
		if strings.TrimSpace(notice.Body) == "" {
			notice.Body = defaultOrderNoticeBody
		}
		r.notifier.Notify(notice)
	}
}

func (r *Reconciler) record(event realtime.Event) {
	notification := Notification{}
	if err := decodePayload(event.Data, &notification); err != nil {
		r.logger.Warn("malformed notification payload",
			logging.Field("event", event.Name),
			logging.Field("error", err),
		)
		return
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = r.now()
	}
	stored, added := r.notifications.Add(notification)
	if !added {
		r.logger.Debug("duplicate notification ignored", logging.Field("id", string(stored.ID)))
		return
	}

	title := strings.TrimSpace(stored.Title)
	if title == "" {
		title = defaultNotificationText
	}
	r.notifier.Notify(Notice{Event: event.Name, Title: title, Body: stored.Text(), At: r.now()})
}

func decodePayload(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, out)
}
