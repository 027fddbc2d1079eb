package messenger

import (
	"testing"
	"time"
)

func TestSubscribePublishRoundTrip(t *testing.T) {
	m := New()

	ch, cancel, err := m.Subscribe("abc")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if !m.Publish("abc", OutcomeComplete) {
		t.Fatal("publish should find the waiter")
	}

	select {
	case outcome := <-ch:
		if outcome != OutcomeComplete {
			t.Fatalf("unexpected outcome %q", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}
}

func TestSecondSubscriptionRejected(t *testing.T) {
	m := New()

	_, cancel, err := m.Subscribe("abc")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if _, _, err := m.Subscribe("abc"); err == nil {
		t.Fatal("second subscription for the same ID must fail")
	}
}

func TestCancelReleasesSubscription(t *testing.T) {
	m := New()

	_, cancel, err := m.Subscribe("abc")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	if m.Publish("abc", OutcomeFailed) {
		t.Fatal("publish after cancel should find no waiter")
	}

	// the ID is reusable after cancellation
	if _, cancel2, err := m.Subscribe("abc"); err != nil {
		t.Fatalf("resubscribe: %v", err)
	} else {
		cancel2()
	}
}

func TestPublishWithoutWaiter(t *testing.T) {
	m := New()
	if m.Publish("nobody", OutcomeCleared) {
		t.Fatal("publish without waiter should report false")
	}
}
