package events

import (
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber queue bound.
const DefaultBuffer = 4096

// Emitter assigns sequence numbers and fans events out to subscribers.
// One emitter serves one turn: seq starts at 1 and is contiguous across
// everything emitted.
//
// Delivery never blocks the turn. Each subscriber owns a bounded queue
// drained by its own goroutine; when a queue is full the oldest droppable
// event is discarded and a single overflow marker accounts for the loss.
// Essential events are always enqueued, even past the bound.
type Emitter struct {
	mu     sync.Mutex
	turnID string
	seq    int
	subs   []*subscriber
	closed bool

	buffer int
	loc    *time.Location
	now    func() time.Time
}

// NewEmitter creates an emitter for one turn. buffer <= 0 selects
// DefaultBuffer; loc == nil selects UTC.
func NewEmitter(turnID string, buffer int, loc *time.Location) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Emitter{
		turnID: turnID,
		buffer: buffer,
		loc:    loc,
		now:    time.Now,
	}
}

// Subscribe registers a new subscriber and returns its event channel. The
// channel is closed when the emitter closes.
func (e *Emitter) Subscribe() <-chan TurnEvent {
	sub := &subscriber{
		ch:          make(chan TurnEvent),
		max:         e.buffer,
		overflowIdx: -1,
	}
	sub.cond = sync.NewCond(&sub.mu)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	go sub.pump()
	return sub.ch
}

// Emit stamps and distributes one event. Calls after Close are ignored.
func (e *Emitter) Emit(eventType string, payload any) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.seq++
	ev := TurnEvent{
		Protocol: Protocol,
		Seq:      e.seq,
		TurnID:   e.turnID,
		Type:     eventType,
		TS:       e.now().In(e.loc).Format(time.RFC3339),
		Payload:  payload,
	}
	subs := e.subs
	e.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

// Seq returns the sequence number of the last emitted event.
func (e *Emitter) Seq() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// TurnID returns the turn this emitter serves.
func (e *Emitter) TurnID() string { return e.turnID }

// Close stops the emitter. Subscribers receive everything already queued,
// then their channels close.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// ============================================================================
// Subscriber
// ============================================================================

type subscriber struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue []TurnEvent
	max   int

	// overflowIdx points at a pending overflow marker in queue, so a burst
	// of drops produces one marker with an aggregated count.
	overflowIdx int
	dropped     int

	closed bool
	ch     chan TurnEvent
}

func (s *subscriber) enqueue(ev TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.queue) >= s.max {
		if !s.dropOldestDroppable() {
			if Droppable(ev.Type) {
				// Nothing droppable queued and the new event is itself
				// droppable: discard it.
				s.recordDrop(ev)
				s.cond.Signal()
				return
			}
			// Essential events grow the queue past the bound.
		}
	}

	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// dropOldestDroppable removes the oldest droppable event from the queue
// and accounts for it. Returns false when every queued event is essential.
func (s *subscriber) dropOldestDroppable() bool {
	for i, queued := range s.queue {
		if Droppable(queued.Type) {
			dropped := queued
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			if s.overflowIdx > i {
				s.overflowIdx--
			}
			s.recordDrop(dropped)
			return true
		}
	}
	return false
}

// recordDrop bumps the drop count and maintains a single overflow marker.
// The marker reuses the seq of the newest dropped event: the gap it fills
// is exactly where loss occurred.
func (s *subscriber) recordDrop(dropped TurnEvent) {
	s.dropped++
	marker := TurnEvent{
		Protocol: Protocol,
		Seq:      dropped.Seq,
		TurnID:   dropped.TurnID,
		Type:     Overflow,
		TS:       dropped.TS,
		Payload:  OverflowPayload{Dropped: s.dropped},
	}
	if s.overflowIdx >= 0 && s.overflowIdx < len(s.queue) && s.queue[s.overflowIdx].Type == Overflow {
		s.queue[s.overflowIdx] = marker
		return
	}
	s.queue = append(s.queue, marker)
	s.overflowIdx = len(s.queue) - 1
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		if s.overflowIdx >= 0 {
			s.overflowIdx--
		}
		s.mu.Unlock()

		s.ch <- ev
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}
