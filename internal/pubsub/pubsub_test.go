package pubsub

import "testing"

func TestPublishOrder(t *testing.T) {
	b := NewBroker[int]()
	var got []string

	b.Subscribe(func(v int) { got = append(got, "first") })
	b.Subscribe(func(v int) { got = append(got, "second") })
	b.Publish(1)

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("expected subscription-order delivery, got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker[string]()
	var count int

	unsub := b.Subscribe(func(string) { count++ })
	b.Publish("a")
	unsub()
	b.Publish("b")

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if b.Len() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Len())
	}

	// Calling unsubscribe again must be harmless.
	unsub()
}

func TestUnsubscribeRemovesOnlyOwnHandler(t *testing.T) {
	b := NewBroker[int]()
	var a, c int

	unsubA := b.Subscribe(func(int) { a++ })
	b.Subscribe(func(int) { c++ })
	unsubA()
	b.Publish(1)

	if a != 0 {
		t.Fatalf("removed handler fired %d times", a)
	}
	if c != 1 {
		t.Fatalf("remaining handler fired %d times, want 1", c)
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	b := NewBroker[struct{}]()
	b.Publish(struct{}{})
}
