package reconcile

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderpulse/internal/client"
)

const DefaultNotificationLimit = 100

type Notification struct {
	ID        client.ID       `json:"id"`
	Type      string          `json:"type,omitempty"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Body      string          `json:"body,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitzero"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read,omitempty"`
}

// Text is the message, falling back to the body.
func (n Notification) Text() string {
	if text := strings.TrimSpace(n.Message); text != "" {
		return text
	}
	return strings.TrimSpace(n.Body)
}

// seenFactor sizes the remembered id window relative to the list limit.
const seenFactor = 10

// NotificationList keeps the newest notifications first, unique by id. Ids
// stay remembered for seenFactor times the limit, so a redelivered
// notification is still ignored after it scrolled out of the list.
type NotificationList struct {
	mu    sync.RWMutex
	items []Notification
	limit int

	seen      map[client.ID]struct{}
	seenOrder []client.ID
}

func NewNotificationList(limit int) *NotificationList {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	return &NotificationList{limit: limit, seen: make(map[client.ID]struct{})}
}

// Add prepends n and reports false when its id was already added. An empty id
// is replaced by a local one.
func (l *NotificationList) Add(n Notification) (Notification, bool) {
	if strings.TrimSpace(string(n.ID)) == "" {
		n.ID = client.ID("local-" + uuid.NewString())
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[n.ID]; dup {
		for _, existing := range l.items {
			if existing.ID == n.ID {
				return existing, false
			}
		}
		return n, false
	}
	l.remember(n.ID)
	l.items = append([]Notification{n}, l.items...)
	if len(l.items) > l.limit {
		l.items = l.items[:l.limit]
	}
	return n, true
}

func (l *NotificationList) remember(id client.ID) {
	l.seen[id] = struct{}{}
	l.seenOrder = append(l.seenOrder, id)
	if over := len(l.seenOrder) - l.limit*seenFactor; over > 0 {
		for _, old := range l.seenOrder[:over] {
			delete(l.seen, old)
		}
		l.seenOrder = slices.Delete(l.seenOrder, 0, over)
	}
}

func (l *NotificationList) Items() []Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Notification(nil), l.items...)
}

func (l *NotificationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// MarkRead flags the notification with id as read.
func (l *NotificationList) MarkRead(id client.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].Read = true
			return true
		}
	}
	return false
}

func (l *NotificationList) UnreadCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	unread := 0
	for _, item := range l.items {
		if !item.Read {
			unread++
		}
	}
	return unread
}
