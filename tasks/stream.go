package tasks

import "sync"

// Stream fans snapshots out to subscribers. Each channel subscriber holds at
// most the latest undelivered snapshot, so a slow reader never blocks the
// publisher and always ends up seeing the newest state. Queue subscribers
// additionally keep every terminal snapshot.
type Stream struct {
	mu     sync.Mutex
	subs   map[chan Task]struct{}
	queues map[*Queue]struct{}
	closed bool
}

// NewStream creates an empty stream
func NewStream() *Stream {
	return &Stream{
		subs:   make(map[chan Task]struct{}),
		queues: make(map[*Queue]struct{}),
	}
}

// Subscribe registers a reader. The returned func unsubscribes and closes
// the channel; calling it more than once is harmless.
func (s *Stream) Subscribe() (<-chan Task, func()) {
	return s.subscribe(nil)
}

// SubscribeFrom is Subscribe with t queued as the first snapshot
func (s *Stream) SubscribeFrom(t Task) (<-chan Task, func()) {
	return s.subscribe(&t)
}

func (s *Stream) subscribe(seed *Task) (<-chan Task, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Task, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	if seed != nil {
		ch <- seed.Clone()
	}

	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; !ok {
			return
		}
		delete(s.subs, ch)
		drainAndClose(ch)
	}
	return ch, unsub
}

// Publish hands t to every subscriber, replacing anything they have not read yet
func (s *Stream) Publish(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- t.Clone()
	}
	for q := range s.queues {
		q.push(t.Clone())
	}
}

// SubscribeQueue registers an ordered reader, seeded with seed when it is not
// nil. The returned func unsubscribes and closes the queue.
func (s *Stream) SubscribeQueue(seed *Task) (*Queue, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := newQueue()
	if s.closed {
		q.close(false)
		return q, func() {}
	}
	s.queues[q] = struct{}{}
	if seed != nil {
		q.push(seed.Clone())
	}

	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.queues[q]; !ok {
			return
		}
		delete(s.queues, q)
		q.close(true)
	}
	return q, unsub
}

// Len returns the number of subscribers
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) + len(s.queues)
}

// Close unsubscribes everyone. Later subscribers get a closed channel.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	for q := range s.queues {
		delete(s.queues, q)
		q.close(false)
	}
}

// drainAndClose drops a pending snapshot so receivers observe the close immediately
func drainAndClose(ch chan Task) {
	select {
	case <-ch:
	default:
	}
	close(ch)
}

// Queue is a subscription that delivers snapshots in publish order. A run of
// non-terminal snapshots of one task collapses to the newest, while terminal
// snapshots are never dropped, so a reader that falls behind a chain of runs
// still sees how each of them ended.
type Queue struct {
	mu      sync.Mutex
	pending []Task
	closed  bool
	ready   chan struct{}
}

func newQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Next blocks until a snapshot is available. ok is false once the queue is
// closed and drained. A queue has a single reader.
func (q *Queue) Next() (t Task, ok bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			t = q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return t, true
		}
		if q.closed {
			q.mu.Unlock()
			return Task{}, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// Len returns the number of snapshots waiting to be read
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) push(t Task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if n := len(q.pending); n > 0 && q.pending[n-1].ID == t.ID && !q.pending[n-1].IsTerminal() {
		q.pending[n-1] = t
	} else {
		q.pending = append(q.pending, t)
	}
	q.mu.Unlock()
	q.signal()
}

// close stops the queue. With drop the unread snapshots are discarded.
func (q *Queue) close(drop bool) {
	q.mu.Lock()
	q.closed = true
	if drop {
		q.pending = nil
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
