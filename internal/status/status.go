// Package status records the human-readable progress of the session
// controller and fans it out to subscribers, including websocket clients of
// the /status endpoint.
package status

import (
	"sync"
	"time"
)

// Status is one progress report from the session controller. Every step
// reports exactly once, with OK telling success from failure.
type Status struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Step      string    `json:"step"`
	OK        bool      `json:"ok"`
	Message   string    `json:"message"`
}

// defaultSubscriberBuffer is the channel capacity handed to subscribers.
const defaultSubscriberBuffer = 16

// Feed keeps the latest [Status] and broadcasts new ones. Slow subscribers
// miss updates rather than blocking the publisher.
//
// Feed is safe for concurrent use. The zero value is ready to use.
type Feed struct {
	mu      sync.Mutex
	last    Status
	hasLast bool
	nextID  int
	subs    map[int]chan Status
}

// Publish records s as the latest status and delivers it to subscribers.
func (f *Feed) Publish(s Status) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = s
	f.hasLast = true
	for _, ch := range f.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Last returns the most recent status, if any was published.
func (f *Feed) Last() (Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.hasLast
}

// Subscribe returns a channel receiving every status published from now on
// and a cancel func that unsubscribes and closes the channel.
func (f *Feed) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, defaultSubscriberBuffer)

	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]chan Status)
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
