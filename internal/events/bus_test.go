package events

import "testing"

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe(func(Event) { order = append(order, "first") })
	bus.Subscribe(func(Event) { order = append(order, "second") })

	bus.Publish(Event{Type: RegionChanged, RegionID: "forest"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v", order)
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	bus.Subscribe(rec.Record, ZoneChanged, ContentListBroadcast)

	bus.Publish(Event{Type: RegionChanged})
	bus.Publish(Event{Type: ZoneChanged, ZoneID: "z"})
	bus.Publish(Event{Type: ContentListBroadcast, List: []string{"a"}})

	got := rec.Events()
	if len(got) != 2 || got[0].Type != ZoneChanged || got[1].Type != ContentListBroadcast {
		t.Fatalf("recorded = %+v", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsubA := bus.Subscribe(func(Event) { calls++ })
	unsubB := bus.Subscribe(func(Event) { calls += 10 })

	unsubA()
	unsubA()
	bus.Publish(Event{Type: LoadComplete})
	if calls != 10 {
		t.Fatalf("calls = %d, want 10", calls)
	}
	if bus.Len() != 1 {
		t.Fatalf("Len = %d, want 1", bus.Len())
	}
	unsubB()
	if bus.Len() != 0 {
		t.Fatalf("Len = %d, want 0", bus.Len())
	}
}

func TestHandlerMayUnsubscribeDuringDelivery(t *testing.T) {
	bus := NewBus()
	var unsub func()
	calls := 0
	unsub = bus.Subscribe(func(Event) {
		calls++
		unsub()
	})

	bus.Publish(Event{Type: ZoneChanged})
	bus.Publish(Event{Type: ZoneChanged})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestHandlerMayPublish(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	bus.Subscribe(func(ev Event) {
		if ev.Type == ZoneChanged {
			bus.Publish(Event{Type: ContentListBroadcast, ZoneID: ev.ZoneID})
		}
	})
	bus.Subscribe(rec.Record)

	bus.Publish(Event{Type: ZoneChanged, ZoneID: "edge"})

	got := rec.Events()
	if len(got) != 2 || got[0].Type != ContentListBroadcast || got[1].Type != ZoneChanged {
		t.Fatalf("recorded = %+v", got)
	}
}

func TestTypeString(t *testing.T) {
	if RegionChanged.String() != "region-changed" || Type(99).String() != "unknown" {
		t.Fatalf("unexpected Type strings")
	}
}
