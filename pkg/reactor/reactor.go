package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardsys/steward/pkg/log"
)

// Topic identifies an event stream. Key is empty for plain topics and
// carries the sub-key for tuple topics such as ("message", "accepted-types").
type Topic struct {
	Name string
	Key  string
}

func (t Topic) String() string {
	if t.Key == "" {
		return t.Name
	}
	return t.Name + ":" + t.Key
}

// T returns a plain topic.
func T(name string) Topic {
	return Topic{Name: name}
}

// Msg returns the tuple topic for one inbound message type.
func Msg(messageType string) Topic {
	return Topic{Name: "message", Key: messageType}
}

// Handler receives the arguments passed to Fire. A non-nil error is
// logged and takes the handler's slot in the result list.
type Handler func(args ...interface{}) (interface{}, error)

type subscription struct {
	id int
	fn Handler
}

type timedCall struct {
	id    int
	at    time.Duration
	fn    func()
	index int
}

// Reactor is the event bus. The zero value is not usable; use New.
type Reactor struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	nextID   int
	handlers map[Topic][]*subscription
	calls    callHeap
	byID     map[int]*timedCall
	now      time.Duration

	start    time.Time
	running  bool
	submit   chan func()
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an idle reactor.
func New() *Reactor {
	return &Reactor{
		logger:   log.WithComponent("reactor"),
		handlers: make(map[Topic][]*subscription),
		byID:     make(map[int]*timedCall),
		submit:   make(chan func()),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// CallOn subscribes a handler to a topic and returns its cancellation id.
func (r *Reactor) CallOn(topic Topic, fn Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[topic] = append(r.handlers[topic], &subscription{id: r.nextID, fn: fn})
	return r.nextID
}

// Fire invokes the topic's handlers synchronously in subscription order
// and returns their results. A handler error is logged and replaces the
// handler's result. Handlers may fire further events; the nested dispatch
// completes before the outer Fire returns.
func (r *Reactor) Fire(topic Topic, args ...interface{}) []interface{} {
	r.mu.Lock()
	subs := make([]*subscription, len(r.handlers[topic]))
	copy(subs, r.handlers[topic])
	r.mu.Unlock()

	results := make([]interface{}, 0, len(subs))
	for _, sub := range subs {
		result, err := r.invoke(topic, sub, args)
		if err != nil {
			r.logger.Error().Err(err).Str("topic", topic.String()).
				Msg("event handler failed")
			results = append(results, err)
			continue
		}
		results = append(results, result)
	}
	return results
}

func (r *Reactor) invoke(topic Topic, sub *subscription, args []interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %s panicked: %v", topic, p)
		}
	}()
	return sub.fn(args...)
}

// CallLater schedules fn to run after delay and returns its cancellation
// id.
func (r *Reactor) CallLater(delay time.Duration, fn func()) int {
	r.mu.Lock()
	if delay < 0 {
		delay = 0
	}
	r.nextID++
	call := &timedCall{id: r.nextID, at: r.currentLocked() + delay, fn: fn}
	heap.Push(&r.calls, call)
	r.byID[call.id] = call
	id := call.id
	running := r.running
	r.mu.Unlock()

	if running {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return id
}

// CancelCall cancels a pending timed call or removes a subscription by
// id. Unknown ids are ignored.
func (r *Reactor) CancelCall(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call, ok := r.byID[id]; ok {
		heap.Remove(&r.calls, call.index)
		delete(r.byID, id)
		return
	}
	for topic, subs := range r.handlers {
		for i, sub := range subs {
			if sub.id == id {
				r.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Advance moves the manual clock forward and runs every call that comes
// due, in deadline order. The clock steps to each call's deadline before
// the call runs, so a call scheduled by a call inside the window also runs
// when its deadline falls within the window. It is the test-time driver;
// production uses Run.
func (r *Reactor) Advance(d time.Duration) {
	r.mu.Lock()
	target := r.now + d
	r.mu.Unlock()
	for {
		r.mu.Lock()
		if r.calls.Len() == 0 || r.calls[0].at > target {
			r.now = target
			r.mu.Unlock()
			return
		}
		call := heap.Pop(&r.calls).(*timedCall)
		delete(r.byID, call.id)
		if call.at > r.now {
			r.now = call.at
		}
		r.mu.Unlock()
		call.fn()
	}
}

// Now returns the reactor's current clock reading.
func (r *Reactor) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

// Time returns wall-clock time while running, and the manual clock
// projected from the epoch otherwise, keeping test timestamps
// deterministic.
func (r *Reactor) Time() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return time.Now()
	}
	return time.Unix(0, 0).Add(r.now).UTC()
}

func (r *Reactor) currentLocked() time.Duration {
	if r.running {
		return time.Since(r.start)
	}
	return r.now
}

func (r *Reactor) runDue() {
	for {
		r.mu.Lock()
		if r.calls.Len() == 0 || r.calls[0].at > r.currentLocked() {
			r.mu.Unlock()
			return
		}
		call := heap.Pop(&r.calls).(*timedCall)
		delete(r.byID, call.id)
		r.mu.Unlock()
		call.fn()
	}
}

// Run drives the reactor against the wall clock until Stop is called.
// Timed calls and submitted closures all execute on the calling
// goroutine, preserving the single-threaded dispatch discipline.
func (r *Reactor) Run() {
	r.mu.Lock()
	r.start = time.Now().Add(-r.now)
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.now = time.Since(r.start)
		r.running = false
		r.mu.Unlock()
	}()

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		r.mu.Lock()
		if r.calls.Len() > 0 {
			delay := r.calls[0].at - time.Since(r.start)
			if delay < 0 {
				delay = 0
			}
			timer = time.NewTimer(delay)
			timerC = timer.C
		}
		r.mu.Unlock()

		select {
		case <-r.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case fn := <-r.submit:
			fn()
		case <-r.wake:
		case <-timerC:
			r.runDue()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Stop terminates Run. Idempotent.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Call runs fn on the reactor goroutine and waits for its result. When
// the reactor is not running (tests), fn runs directly on the caller.
// IPC request handling uses this to interleave with timers at call
// boundaries only.
func (r *Reactor) Call(fn func() (interface{}, error)) (interface{}, error) {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return fn()
	}

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	select {
	case r.submit <- func() {
		result, err := fn()
		done <- outcome{result, err}
	}:
	case <-r.stopCh:
		return nil, fmt.Errorf("reactor stopped")
	}
	select {
	case out := <-done:
		return out.result, out.err
	case <-r.stopCh:
		return nil, fmt.Errorf("reactor stopped")
	}
}

type callHeap []*timedCall

func (h callHeap) Len() int { return len(h) }

func (h callHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].id < h[j].id
}

func (h callHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *callHeap) Push(x interface{}) {
	call := x.(*timedCall)
	call.index = len(*h)
	*h = append(*h, call)
}

func (h *callHeap) Pop() interface{} {
	old := *h
	n := len(old)
	call := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return call
}
