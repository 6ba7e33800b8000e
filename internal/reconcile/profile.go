// Package reconcile turns realtime order events into cache invalidations,
// notification list entries and user notices.
package reconcile

import (
	"fmt"
	"strings"
)

type Profile string

const (
	ProfileAdmin    Profile = "admin"
	ProfileSeller   Profile = "seller"
	ProfileCustomer Profile = "customer"
)

func ParseProfile(raw string) (Profile, error) {
	switch profile := Profile(strings.ToLower(strings.TrimSpace(raw))); profile {
	case ProfileAdmin, ProfileSeller, ProfileCustomer:
		return profile, nil
	default:
		return "", fmt.Errorf("unknown profile %q", raw)
	}
}

// Event types emitted on the notifications namespace.
const (
	EventOrderStatusChanged = "orderStatusChanged"
	EventNewOrder           = "newOrder"
	EventDeliveryAssigned   = "deliveryAssigned"
	EventOrderCancelled     = "orderCancelled"
	EventNotification       = "notification"
)

// Query keys.
const (
	KeyOrders        = "orders"
	KeyPendingOrders = "orders/pending"
)

func OrderKey(id string) string {
	return KeyOrders + "/" + id
}

// Reaction describes what one event type does for a profile.
type Reaction struct {
	Invalidate      []string
	InvalidateOrder bool
	Notify          bool
	Record          bool
}

type Policy map[string]Reaction

func PolicyFor(profile Profile) Policy {
	policy := Policy{
		EventOrderStatusChanged: {Invalidate: []string{KeyOrders}, InvalidateOrder: true, Notify: true},
		EventNotification:       {Record: true, Notify: true},
	}
	switch profile {
	case ProfileAdmin, ProfileSeller:
		policy[EventNewOrder] = Reaction{Invalidate: []string{KeyPendingOrders, KeyOrders}}
		policy[EventDeliveryAssigned] = Reaction{Invalidate: []string{KeyOrders, KeyPendingOrders}}
		policy[EventOrderCancelled] = Reaction{Invalidate: []string{KeyOrders, KeyPendingOrders}}
	default:
		policy[EventDeliveryAssigned] = Reaction{Invalidate: []string{KeyOrders}}
		policy[EventOrderCancelled] = Reaction{Invalidate: []string{KeyOrders}}
	}
	return policy
}

// ListQueries are the keys a profile loads over REST at startup.
func ListQueries(profile Profile) []string {
	if profile == ProfileCustomer {
		return []string{KeyOrders}
	}
	return []string{KeyOrders, KeyPendingOrders}
}
