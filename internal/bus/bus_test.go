package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startedBus(t *testing.T) (*EventBus, context.CancelFunc) {
	t.Helper()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Stop()
	})
	return b, cancel
}

func TestPublishDelivers(t *testing.T) {
	b, _ := startedBus(t)

	got := make(chan *Event, 1)
	b.Subscribe("domain_registered", "monitor", func(e *Event) error {
		got <- e
		return nil
	})

	b.Publish(&Event{Type: "domain_registered", SourceBotID: "gov", Payload: map[string]any{"code": "ECO"}})

	select {
	case e := <-got:
		if e.Payload["code"] != "ECO" {
			t.Fatalf("unexpected payload: %v", e.Payload)
		}
		if e.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestFIFOPerSubscriber(t *testing.T) {
	b, _ := startedBus(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	b.Subscribe("tick", "counter", func(e *Event) error {
		mu.Lock()
		order = append(order, e.Payload["n"].(int))
		n := len(order)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 50; i++ {
		b.Publish(&Event{Type: "tick", Payload: map[string]any{"n": i}})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all events delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Fatalf("order broken at %d: got %d", i, n)
		}
	}
}

func TestSubscriberErrorContained(t *testing.T) {
	b, _ := startedBus(t)

	var mu sync.Mutex
	errCounts := map[string]int{}
	b.SetErrorFunc(func(id string, err error) {
		mu.Lock()
		errCounts[id]++
		mu.Unlock()
	})

	healthy := make(chan struct{}, 2)
	b.Subscribe("evt", "bad", func(e *Event) error {
		return errors.New("boom")
	})
	b.Subscribe("evt", "panicky", func(e *Event) error {
		panic("kaboom")
	})
	b.Subscribe("evt", "good", func(e *Event) error {
		healthy <- struct{}{}
		return nil
	})

	b.Publish(&Event{Type: "evt"})
	b.Publish(&Event{Type: "evt"})

	for i := 0; i < 2; i++ {
		select {
		case <-healthy:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy subscriber starved by failing one")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		bad, pan := errCounts["bad"], errCounts["panicky"]
		mu.Unlock()
		if bad == 2 && pan == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("error hook not called: bad=%d panicky=%d", bad, pan)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	b, _ := startedBus(t)

	var mu sync.Mutex
	count := 0
	fn := func(e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}
	b.Subscribe("evt", "sub1", fn)
	b.Subscribe("evt", "sub1", fn) // replaces, no second queue

	b.Publish(&Event{Type: "evt"})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected single delivery, got %d", count)
	}
}

func TestResubscribeWhileDelivering(t *testing.T) {
	b, _ := startedBus(t)

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(name string) Handler {
		return func(e *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe("evt", "worker", handler("old"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(&Event{Type: "evt"})
			}
		}
	}()
	for i := 0; i < 200; i++ {
		b.Subscribe("evt", "worker", handler("old"))
	}
	b.Subscribe("evt", "worker", handler("new"))
	close(stop)
	wg.Wait()

	// Replacement must take effect for events published afterwards.
	b.Publish(&Event{Type: "evt"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := counts["new"]
		mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("replacement handler never invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopDeliversQueuedEvents(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	var mu sync.Mutex
	delivered := 0
	b.Subscribe("evt", "slow", func(e *Event) error {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish(&Event{Type: "evt"})
	}
	cancel()
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if delivered != n {
		t.Fatalf("accepted events discarded on stop: delivered %d of %d", delivered, n)
	}
}

func TestHistoryReplay(t *testing.T) {
	b, _ := startedBus(t)

	b.Publish(&Event{Type: "evt", Payload: map[string]any{"n": 1}})
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	b.Publish(&Event{Type: "evt", Payload: map[string]any{"n": 2}})

	all := b.History("evt", time.Time{})
	if len(all) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(all))
	}
	recent := b.History("evt", cutoff.Add(2*time.Millisecond))
	if len(recent) != 1 || recent[0].Payload["n"] != 2 {
		t.Fatalf("since filter wrong: %+v", recent)
	}
	if len(b.History("other", time.Time{})) != 0 {
		t.Fatal("history leaked across types")
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	b, _ := startedBus(t)

	block := make(chan struct{})
	b.Subscribe("evt", "slow", func(e *Event) error {
		<-block
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize*3; i++ {
			b.Publish(&Event{Type: "evt", Payload: map[string]any{"n": i}})
		}
		close(done)
	}()

	select {
	case <-done:
		close(block)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
