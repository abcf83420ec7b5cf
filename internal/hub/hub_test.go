package hub

import (
	"testing"
)

func TestBroadcastMatchesClinicAndEntry(t *testing.T) {
	h := New()
	clinicCh := h.Register("staff", Subscription{ClinicID: "clinic-a"})
	entryCh := h.Register("tracker", Subscription{EntryID: "entry-1"})
	otherCh := h.Register("other", Subscription{ClinicID: "clinic-b"})

	h.Broadcast(Event{Type: "queueUpdate", ClinicID: "clinic-a"}, "entry-1")

	select {
	case ev := <-clinicCh:
		if ev.ClinicID != "clinic-a" {
			t.Fatalf("unexpected clinic: %s", ev.ClinicID)
		}
	default:
		t.Fatal("clinic subscriber missed the event")
	}
	select {
	case <-entryCh:
	default:
		t.Fatal("entry subscriber missed the event")
	}
	select {
	case <-otherCh:
		t.Fatal("other clinic must not receive the event")
	default:
	}
}

func TestBroadcastDropsWhenSubscriberLags(t *testing.T) {
	h := New()
	ch := h.Register("slow", Subscription{ClinicID: "clinic-a"})

	// Fill the buffer and then one more; the overflow event is dropped
	// instead of blocking.
	for i := 0; i < cap(ch)+1; i++ {
		h.Broadcast(Event{Type: "queueUpdate", ClinicID: "clinic-a"}, "")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != cap(ch) {
		t.Fatalf("expected %d buffered events, got %d", cap(ch), received)
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	h := New()
	ch := h.Register("a", Subscription{ClinicID: "clinic-a"})
	h.Unregister("a")
	if _, open := <-ch; open {
		t.Fatal("channel must close on unregister")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("expected no clients, got %d", h.ClientCount())
	}
	// Unregistering twice is a no-op.
	h.Unregister("a")
}

func TestUpdateSubscriptionRetargets(t *testing.T) {
	h := New()
	ch := h.Register("c", Subscription{ClinicID: "clinic-a"})
	h.UpdateSubscription("c", Subscription{ClinicID: "clinic-b"})

	h.Broadcast(Event{Type: "queueUpdate", ClinicID: "clinic-a"}, "")
	select {
	case <-ch:
		t.Fatal("stale subscription received an event")
	default:
	}

	h.Broadcast(Event{Type: "queueUpdate", ClinicID: "clinic-b"}, "")
	select {
	case <-ch:
	default:
		t.Fatal("retargeted subscription missed the event")
	}
}

func TestParseSubscribe(t *testing.T) {
	sub, ok := ParseSubscribe(`{"action":"subscribe","clinic_id":"clinic-a"}`)
	if !ok || sub.ClinicID != "clinic-a" {
		t.Fatalf("clinic subscribe failed: %+v ok=%v", sub, ok)
	}
	sub, ok = ParseSubscribe(`{"action":"subscribe","entry_id":" entry-1 "}`)
	if !ok || sub.EntryID != "entry-1" {
		t.Fatalf("entry subscribe failed: %+v ok=%v", sub, ok)
	}
	if _, ok := ParseSubscribe(`{"action":"subscribe"}`); ok {
		t.Fatal("empty subscription must be rejected")
	}
	if _, ok := ParseSubscribe(`{"action":"ping"}`); ok {
		t.Fatal("non-subscribe actions must be ignored")
	}
	if _, ok := ParseSubscribe(`not json`); ok {
		t.Fatal("invalid JSON must be ignored")
	}
}
