package build

import (
	"sync"

	"github.com/seantiz/babel/internal/model"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Update is one change of a build observed by progress subscribers.
type Update struct {
	BuildID  string         `json:"build_id"`
	State    string         `json:"state"`
	Progress model.Progress `json:"progress"`
}

// Broker fans build updates out to subscribers. It is safe for concurrent
// use.
//
// Finished builds keep a closed marker so that late subscribers receive a
// closed channel instead of waiting forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Update
	nextID int
	closed bool
}

// NewBroker creates an empty progress broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel receiving the updates of a build and an
// unsubscribe function. If the build already finished the channel is closed.
func (b *Broker) Subscribe(buildID string) (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[buildID]
	if !ok {
		t = &topic{subs: make(map[int]chan Update)}
		b.topics[buildID] = t
	}

	ch := make(chan Update, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an update to every subscriber of the build. Updates are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[u.BuildID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Close ends the stream of a build. Subscriber channels are closed and later
// subscribers get a closed channel.
func (b *Broker) Close(buildID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[buildID]
	if !ok {
		b.topics[buildID] = &topic{subs: make(map[int]chan Update), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
