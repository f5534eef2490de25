package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToTopicSubscribers(t *testing.T) {
	b := New()

	sub1 := b.Subscribe("run-1")
	sub2 := b.Subscribe("run-1")
	other := b.Subscribe("run-2")
	defer sub1.Close()
	defer sub2.Close()
	defer other.Close()

	b.Publish("run-1", Event{Type: TypeLog, RunID: "run-1", Seq: 1, Line: "hello"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, TypeLog, ev.Type)
			assert.Equal(t, "hello", ev.Line)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("unrelated topic received event: %+v", ev)
	default:
	}
}

func TestSubscribeWithBacklogReplaysBeforeLive(t *testing.T) {
	b := New()

	backlog := []Event{
		{Type: TypeLog, RunID: "r", Seq: 1, Line: "first"},
		{Type: TypeLog, RunID: "r", Seq: 2, Line: "second"},
	}
	sub := b.SubscribeWithBacklog("r", backlog)
	defer sub.Close()

	b.Publish("r", Event{Type: TypeLog, RunID: "r", Seq: 3, Line: "third"})

	var got []uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Seq)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	b := New()

	slow := b.Subscribe("r")
	fast := b.Subscribe("r")
	defer slow.Close()
	defer fast.Close()

	total := queueCapacity + 10
	done := make(chan []uint64)
	go func() {
		var seqs []uint64
		for ev := range fast.Events() {
			seqs = append(seqs, ev.Seq)
			if len(seqs) == total {
				break
			}
		}
		done <- seqs
	}()

	for i := 1; i <= total; i++ {
		b.Publish("r", Event{Type: TypeLog, RunID: "r", Seq: uint64(i)})
	}

	// The fast subscriber saw everything.
	select {
	case seqs := <-done:
		require.Len(t, seqs, total)
		assert.Equal(t, uint64(1), seqs[0])
		assert.Equal(t, uint64(total), seqs[len(seqs)-1])
	case <-time.After(5 * time.Second):
		t.Fatal("fast subscriber starved")
	}

	// The slow subscriber lost exactly its oldest events; the newest
	// queueCapacity survive in order.
	var got []uint64
	for i := 0; i < queueCapacity; i++ {
		select {
		case ev := <-slow.Events():
			got = append(got, ev.Seq)
		case <-time.After(time.Second):
			t.Fatalf("slow subscriber queue ended early at %d events", len(got))
		}
	}
	assert.Equal(t, uint64(total-queueCapacity+1), got[0])
	assert.Equal(t, uint64(total), got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "events out of order")
	}
}

func TestCloseClosesChannelAndIsIdempotent(t *testing.T) {
	b := New()

	sub := b.Subscribe("r")
	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed")

	// Publishing to a topic with no subscribers is a no-op.
	b.Publish("r", Event{Type: TypeLog, RunID: "r", Seq: 1})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		topic := fmt.Sprintf("run-%d", i%2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(topic, Event{Type: TypeLog, RunID: topic, Seq: uint64(j)})
			}
		}()
		go func() {
			defer wg.Done()
			sub := b.Subscribe(topic)
			for j := 0; j < 10; j++ {
				select {
				case <-sub.Events():
				case <-time.After(time.Second):
				}
			}
			sub.Close()
		}()
	}
	wg.Wait()
}
