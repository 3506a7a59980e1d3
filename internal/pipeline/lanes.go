package pipeline

import "sync"

// lanes serializes work per chat id. Each chat keeps the done channel of its
// most recent ticket; a new ticket waits on that channel and becomes the new
// tail. Tickets are served in the order reserve was called. Lanes are created
// on first use and never removed.
type lanes struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newLanes() *lanes {
	return &lanes{tails: make(map[string]chan struct{})}
}

// ticket is one place in a chat's queue. Every reserved ticket must be
// released or passed, otherwise the chat stalls behind it.
type ticket struct {
	prev <-chan struct{}
	done chan struct{}
	once sync.Once
}

// reserve takes the next place in the chat's queue without blocking.
func (l *lanes) reserve(chatID string) *ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &ticket{prev: l.tails[chatID], done: make(chan struct{})}
	l.tails[chatID] = t.done
	return t
}

// wait blocks until every earlier ticket on the chat has been released.
func (t *ticket) wait() {
	if t.prev != nil {
		<-t.prev
	}
}

// release lets the next ticket run. It is safe to call more than once.
func (t *ticket) release() {
	t.once.Do(func() { close(t.done) })
}

// pass gives up the place without doing any work. The next ticket still waits
// for the earlier ones.
func (t *ticket) pass() {
	if t.prev == nil {
		t.release()
		return
	}
	go func() {
		<-t.prev
		t.release()
	}()
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
