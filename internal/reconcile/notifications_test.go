package reconcile

import (
	"fmt"
	"strings"
	"testing"

	"orderpulse/internal/client"
)

func TestNotificationList_AddDedupesAndPrepends(t *testing.T) {
	l := NewNotificationList(0)
	if _, added := l.Add(Notification{ID: "1", Message: "first"}); !added {
		t.Fatalf("Add(1) = false, want true")
	}
	if _, added := l.Add(Notification{ID: "2", Message: "second"}); !added {
		t.Fatalf("Add(2) = false, want true")
	}
	if _, added := l.Add(Notification{ID: "1", Message: "first again"}); added {
		t.Fatalf("Add(duplicate) = true, want false")
	}

	items := l.Items()
	if len(items) != 2 || items[0].ID != "2" || items[1].ID != "1" {
		t.Fatalf("items = %#v, want newest first without duplicates", items)
	}
	if items[1].Text() != "first" {
		t.Fatalf("duplicate replaced the original entry: %q", items[1].Text())
	}
}

func TestNotificationList_AssignsLocalIDAndCaps(t *testing.T) {
	l := NewNotificationList(3)
	stored, added := l.Add(Notification{Body: "no id"})
	if !added || !strings.HasPrefix(string(stored.ID), "local-") {
		t.Fatalf("Add() = %#v, %v, want local id", stored, added)
	}
	for i := range 5 {
		l.Add(Notification{ID: client.ID(fmt.Sprint(i))})
	}
	items := l.Items()
	if len(items) != 3 || items[0].ID != "4" || items[2].ID != "2" {
		t.Fatalf("items = %#v, want newest three", items)
	}
}

func TestNotificationList_EvictedIDStaysDeduped(t *testing.T) {
	l := NewNotificationList(2)
	for _, id := range []client.ID{"a", "b", "c"} {
		l.Add(Notification{ID: id})
	}
	if _, added := l.Add(Notification{ID: "a"}); added {
		t.Fatalf("Add(evicted a) = true, want false")
	}
	items := l.Items()
	if len(items) != 2 || items[0].ID != "c" || items[1].ID != "b" {
		t.Fatalf("items = %#v, want [c b]", items)
	}
}

func TestNotificationList_SeenWindowIsBounded(t *testing.T) {
	l := NewNotificationList(1)
	l.Add(Notification{ID: "first"})
	for i := range seenFactor {
		l.Add(Notification{ID: client.ID(fmt.Sprint("n", i))})
	}
	if got := len(l.seen); got != seenFactor {
		t.Fatalf("len(seen) = %d, want %d", got, seenFactor)
	}
	if _, added := l.Add(Notification{ID: "first"}); !added {
		t.Fatalf("Add(first) = false after it left the seen window")
	}
}

func TestNotificationList_MarkRead(t *testing.T) {
	l := NewNotificationList(10)
	l.Add(Notification{ID: "a"})
	l.Add(Notification{ID: "b"})
	if !l.MarkRead("a") || l.MarkRead("missing") {
		t.Fatalf("MarkRead() results unexpected")
	}
	if got := l.UnreadCount(); got != 1 {
		t.Fatalf("UnreadCount() = %d, want 1", got)
	}
}

func TestNotificationText(t *testing.T) {
	if got := (Notification{Message: " hi ", Body: "body"}).Text(); got != "hi" {
		t.Fatalf("Text() = %q, want hi", got)
	}
	if got := (Notification{Body: "body"}).Text(); got != "body" {
		t.Fatalf("Text() = %q, want body", got)
	}
}
