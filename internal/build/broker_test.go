package build_test

import (
	"testing"

	"github.com/seantiz/babel/internal/build"
	"github.com/seantiz/babel/internal/model"
)

func step(id string, n int) build.Update {
	return build.Update{BuildID: id, State: model.StateActive, Progress: model.Progress{Step: n}}
}

func drain(ch <-chan build.Update) []int {
	var steps []int
	for u := range ch {
		steps = append(steps, u.Progress.Step)
	}
	return steps
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := build.NewBroker()
	ch, unsub := b.Subscribe("b1")
	defer unsub()

	for n := 1; n <= 3; n++ {
		b.Publish(step("b1", n))
	}
	b.Close("b1")

	got := drain(ch)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("got steps %v, want [1 2 3]", got)
	}
}

func TestBrokerIsolatesBuilds(t *testing.T) {
	b := build.NewBroker()
	ch1, unsub1 := b.Subscribe("b1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("b2")
	defer unsub2()

	b.Publish(step("b1", 1))
	b.Publish(step("b2", 7))
	b.Close("b1")
	b.Close("b2")

	if got := drain(ch1); len(got) != 1 || got[0] != 1 {
		t.Errorf("b1 subscriber got %v, want [1]", got)
	}
	if got := drain(ch2); len(got) != 1 || got[0] != 7 {
		t.Errorf("b2 subscriber got %v, want [7]", got)
	}
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := build.NewBroker()
	b.Publish(step("b1", 1))
	b.Close("b1")

	ch, unsub := b.Subscribe("b1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := build.NewBroker()
	ch, unsub := b.Subscribe("b1")
	unsub()

	b.Publish(step("b1", 1))
	b.Close("b1")

	select {
	case u, ok := <-ch:
		if ok {
			t.Errorf("got unexpected update %+v after unsubscribe", u)
		}
	default:
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := build.NewBroker()
	ch, unsub := b.Subscribe("b1")
	defer unsub()

	// Publishing past the buffer must not block.
	for n := range 200 {
		b.Publish(step("b1", n))
	}
	b.Close("b1")

	if got := drain(ch); len(got) == 0 || len(got) >= 200 {
		t.Errorf("got %d updates, want some dropped", len(got))
	}
}
