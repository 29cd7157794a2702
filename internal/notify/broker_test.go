package notify

import "testing"

func TestSubscribeReceivesSessionEvents(t *testing.T) {
	t.Parallel()
	broker := NewBroker(nil)
	events, cancel := broker.Subscribe("sess-1")
	defer cancel()

	broker.Notify("sess-1", Event{Type: EventMinuteBilled, SessionID: "sess-1", BilledMinutes: 1})
	broker.Notify("sess-2", Event{Type: EventMinuteBilled, SessionID: "sess-2", BilledMinutes: 9})

	select {
	case event := <-events:
		if event.SessionID != "sess-1" || event.BilledMinutes != 1 {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatalf("expected a buffered event")
	}
	select {
	case event := <-events:
		t.Fatalf("expected no cross-session delivery, got %+v", event)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	broker := NewBroker(nil)
	events, cancel := broker.Subscribe("sess-1")
	cancel()

	broker.Notify("sess-1", Event{Type: EventWalletUpdated, SessionID: "sess-1"})

	select {
	case event := <-events:
		t.Fatalf("expected no delivery after cancel, got %+v", event)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	broker := NewBroker(nil)
	events, cancel := broker.Subscribe("sess-1")
	defer cancel()

	for index := 0; index < subscriberBuffer+5; index++ {
		broker.Notify("sess-1", Event{Type: EventMinuteBilled, SessionID: "sess-1", BilledMinutes: int64(index)})
	}

	received := 0
	for {
		select {
		case <-events:
			received++
			continue
		default:
		}
		break
	}
	if received != subscriberBuffer {
		t.Fatalf("expected %d buffered events, got %d", subscriberBuffer, received)
	}
}
