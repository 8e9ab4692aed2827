package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	PublishJob(b, JobEvent{JobID: "j1", Queue: "carl", Outcome: JobSucceeded})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			je, ok := ev.Data.(JobEvent)
			if !ok || je.JobID != "j1" || ev.Type != TypeJob {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatalf("event time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	PublishSchedule(b, ScheduleEvent{EntryID: "a"})
	PublishSchedule(b, ScheduleEvent{EntryID: "b"})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: TypeJob})
}
