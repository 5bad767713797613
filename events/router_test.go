package events

import (
	"context"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agentdeck-backend/types"
)

var _ = Describe("Router", func() {
	var (
		owners map[string]string
		router *Router
		ctx    context.Context
		cancel context.CancelFunc
	)

	lookup := func(sessionID string) (string, bool) {
		owner, ok := owners[sessionID]
		return owner, ok
	}

	event := func(sessionID string) types.Event {
		return types.Event{Type: types.EventMessage, SessionID: sessionID}
	}

	BeforeEach(func() {
		owners = map[string]string{
			"sess-alice": "alice",
			"sess-bob":   "bob",
		}
		router = NewRouter(lookup)
		ctx, cancel = context.WithCancel(context.Background())
		go router.Run(ctx)
	})

	AfterEach(func() {
		cancel()
	})

	It("delivers events only to the owning user's subscription", func() {
		alice := router.Subscribe("alice")
		bob := router.Subscribe("bob")
		defer router.Unsubscribe(alice)
		defer router.Unsubscribe(bob)

		router.Publish(event("sess-alice"))

		Eventually(alice.Events()).Should(Receive(WithTransform(func(ev types.Event) string {
			return ev.SessionID
		}, Equal("sess-alice"))))
		Consistently(bob.Events()).ShouldNot(Receive())
	})

	It("delivers session-less events to every subscription", func() {
		alice := router.Subscribe("alice")
		bob := router.Subscribe("bob")
		defer router.Unsubscribe(alice)
		defer router.Unsubscribe(bob)

		router.Publish(types.Event{Type: types.EventSessionAdded})

		Eventually(alice.Events()).Should(Receive())
		Eventually(bob.Events()).Should(Receive())
	})

	It("passes through events for sessions the index does not know", func() {
		alice := router.Subscribe("alice")
		defer router.Unsubscribe(alice)

		router.Publish(event("sess-not-yet-indexed"))

		Eventually(alice.Events()).Should(Receive())
	})

	It("delivers everything to a wildcard subscription", func() {
		all := router.Subscribe("")
		defer router.Unsubscribe(all)

		router.Publish(event("sess-alice"))
		router.Publish(event("sess-bob"))

		Eventually(all.Events()).Should(Receive())
		Eventually(all.Events()).Should(Receive())
	})

	It("resolves ownership at delivery time, not publish time", func() {
		alice := router.Subscribe("alice")
		defer router.Unsubscribe(alice)

		owners["sess-moved"] = "bob"
		router.Publish(event("sess-moved"))
		Consistently(alice.Events()).ShouldNot(Receive())
	})

	It("drops the oldest events when a subscriber queue overflows", func() {
		alice := router.Subscribe("alice")
		defer router.Unsubscribe(alice)

		total := subscriptionBuffer + 10
		for i := 0; i < total; i++ {
			alice.enqueue(types.Event{
				Type:      types.EventMessage,
				SessionID: "sess-alice",
				Payload:   map[string]any{"seq": i},
			})
		}

		first := <-alice.Events()
		Expect(first.Payload["seq"]).To(Equal(10), "the 10 oldest events were dropped")

		drained := 1
		for {
			select {
			case <-alice.Events():
				drained++
			default:
				Expect(drained).To(Equal(subscriptionBuffer))
				return
			}
		}
	})

	It("never delivers after unsubscribe and tolerates a racing enqueue", func() {
		alice := router.Subscribe("alice")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer GinkgoRecover()
			for i := 0; i < 1000; i++ {
				alice.enqueue(event(fmt.Sprintf("sess-%d", i)))
			}
		}()
		router.Unsubscribe(alice)
		wg.Wait()

		// Channel is closed; any buffered remainder drains, then ok=false.
		for {
			if _, ok := <-alice.Events(); !ok {
				break
			}
		}
	})

	It("does not block the producer when the intake is full", func() {
		// No Run goroutine variant: a router that is never drained.
		idle := NewRouter(lookup)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < intakeBuffer*2; i++ {
				idle.Publish(event("sess-alice"))
			}
		}()
		Eventually(done).Should(BeClosed(), "publish must never block")
	})
})
