package eventbus

import (
	"sync"
	"testing"

	"github.com/five82/vbc/internal/domain"
)

func TestPublishRoutesByConcreteType(t *testing.T) {
	bus := New(nil)

	var actions []string
	Subscribe(bus, func(e domain.ActionMessage) {
		actions = append(actions, e.Message)
	})
	var shutdowns int
	Subscribe(bus, func(domain.RequestShutdown) { shutdowns++ })

	bus.Publish(domain.NewActionMessage("hello"))
	bus.Publish(domain.NewRequestShutdown())
	bus.Publish(domain.NewActionMessage("world"))

	if len(actions) != 2 || actions[0] != "hello" || actions[1] != "world" {
		t.Fatalf("action messages misrouted: %v", actions)
	}
	if shutdowns != 1 {
		t.Fatalf("expected 1 shutdown delivery, got %d", shutdowns)
	}
}

func TestPublishInvokesSubscribersInRegistrationOrder(t *testing.T) {
	bus := New(nil)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		Subscribe(bus, func(domain.ProcessingFinished) { order = append(order, i) })
	}
	bus.Publish(domain.NewProcessingFinished())

	for i, got := range order {
		if got != i {
			t.Fatalf("dispatch order broken: %v", order)
		}
	}
}

func TestPublishWithNoSubscribersIsANoOp(t *testing.T) {
	bus := New(nil)
	bus.Publish(domain.NewProcessingFinished()) // must not panic
}

func TestPanickingSubscriberDoesNotBreakDispatch(t *testing.T) {
	bus := New(nil)

	var after int
	Subscribe(bus, func(domain.ActionMessage) { panic("bad subscriber") })
	Subscribe(bus, func(domain.ActionMessage) { after++ })

	bus.Publish(domain.NewActionMessage("x"))

	if after != 1 {
		t.Fatalf("subscriber after the panicking one was not invoked")
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	received := 0
	Subscribe(bus, func(domain.ActionMessage) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(domain.NewActionMessage("m"))
		}()
		go func() {
			defer wg.Done()
			Subscribe(bus, func(domain.ProcessingFinished) {})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received != 10 {
		t.Fatalf("expected 10 deliveries, got %d", received)
	}
}
