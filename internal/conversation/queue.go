package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultQuietPeriod is how long a pending turn must go without a new
// fragment before it is drained.
const DefaultQuietPeriod = 2 * time.Second

var ErrQueueClosed = errors.New("conversation: queue closed")

// PendingKey identifies a pending turn: the submitting actor within a topic
// of one chat. Private chats and plain groups all share the default topic, so
// the chat is part of the key.
type PendingKey struct {
	ChatID  int64
	ActorID int64
	TopicID int64
}

// Fragment is one piece of a logical user utterance.
type Fragment struct {
	Text      string
	ArrivedAt time.Time
}

type pendingTurn struct {
	fragments []Fragment
	timer     Timer
	ready     chan struct{}
	fired     bool
}

// Queue coalesces fragments that arrive for the same key within the quiet
// period into a single newline-joined turn.
//
// An entry exists exactly while a waiter is responsible for it: Push reports
// first=true only when it creates the entry, and Wait deletes the entry when
// it drains. Each entry owns one timer; when it fires before the quiet period
// has passed since the latest fragment it is re-armed for the remainder.
type Queue struct {
	quiet time.Duration
	clock Clock

	mu      sync.Mutex
	pending map[PendingKey]*pendingTurn
	closed  bool
	done    chan struct{}
}

func NewQueue(quiet time.Duration, clock Clock) *Queue {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Queue{
		quiet:   quiet,
		clock:   clock,
		pending: make(map[PendingKey]*pendingTurn),
		done:    make(chan struct{}),
	}
}

// QuietPeriod returns the configured debounce duration.
func (q *Queue) QuietPeriod() time.Duration { return q.quiet }

// Push appends a fragment for key. It returns true when the fragment started
// a new pending turn, in which case the caller must call Wait exactly once.
func (q *Queue) Push(key PendingKey, text string, arrivedAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	frag := Fragment{Text: text, ArrivedAt: arrivedAt}
	if p, ok := q.pending[key]; ok {
		p.fragments = append(p.fragments, frag)
		return false, nil
	}
	p := &pendingTurn{
		fragments: []Fragment{frag},
		ready:     make(chan struct{}),
	}
	q.pending[key] = p
	p.timer = q.clock.AfterFunc(q.quiet, func() { q.fire(key, p) })
	return true, nil
}

func (q *Queue) fire(key PendingKey, p *pendingTurn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[key] != p || p.fired {
		return
	}
	last := p.fragments[len(p.fragments)-1].ArrivedAt
	if remaining := q.quiet - q.clock.Now().Sub(last); remaining > 0 {
		p.timer.Reset(remaining)
		return
	}
	p.fired = true
	close(p.ready)
}

// Wait blocks until the pending turn for key is quiescent, removes it and
// returns its fragments joined by "\n" in arrival order. ok is false when
// there is nothing to drain. If ctx ends first the pending turn is dropped.
func (q *Queue) Wait(ctx context.Context, key PendingKey) (string, bool, error) {
	q.mu.Lock()
	p, ok := q.pending[key]
	q.mu.Unlock()
	if !ok {
		return "", false, nil
	}

	select {
	case <-p.ready:
	case <-ctx.Done():
		q.drop(key, p)
		return "", false, ctx.Err()
	case <-q.done:
		return "", false, ErrQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[key] != p {
		return "", false, nil
	}
	delete(q.pending, key)
	return joinFragments(p.fragments), true, nil
}

func (q *Queue) drop(key PendingKey, p *pendingTurn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[key] != p {
		return
	}
	p.timer.Stop()
	delete(q.pending, key)
}

// Len returns the number of pending turns.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops every timer and releases blocked waiters with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for key, p := range q.pending {
		p.timer.Stop()
		delete(q.pending, key)
	}
	close(q.done)
}

func joinFragments(fragments []Fragment) string {
	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Text
	}
	return strings.Join(texts, "\n")
}
