package harness

import "sync"

// EventKind discriminates Event.
type EventKind string

const (
	EventContentDelta    EventKind = "content_delta"
	EventToolCallStarted EventKind = "tool_call_started"
	EventToolResult      EventKind = "tool_result"
	EventTurnAppended    EventKind = "turn_appended"
	EventStateChanged    EventKind = "state_changed"
	EventRunFinished     EventKind = "run_finished"
	EventRunFailed       EventKind = "run_failed"
)

// Event is one item of a run's output stream.
//
//	ContentDelta     Text
//	ToolCallStarted  Call (ID and Name)
//	ToolResult       Call, Turn (the tool turn)
//	TurnAppended     Turn
//	StateChanged     State, Iteration
//	RunFinished      History
//	RunFailed        Err, History
type Event struct {
	Kind      EventKind
	Text      string
	Call      *ToolCall
	Turn      *Turn
	State     State
	Iteration int
	History   []Turn
	Err       error
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventRunFinished || e.Kind == EventRunFailed
}

// eventQueue is an unbounded FIFO between the run goroutine and the pump
// that feeds the caller's channel.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push never blocks.
func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Signal()
}

// pop blocks until an event is available; ok is false once the queue is
// closed and drained.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}

// pump delivers queued events to out in order and closes it at the end.
func (q *eventQueue) pump(out chan<- Event) {
	defer close(out)
	for {
		e, ok := q.pop()
		if !ok {
			return
		}
		out <- e
	}
}
