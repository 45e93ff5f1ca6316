package server

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"linechat/internal/protocol"
)

var (
	// ErrPeerGone is returned when enqueuing to a peer whose writer has exited.
	ErrPeerGone = errors.New("server: peer is gone")
	// ErrQueueFull is returned by a non-blocking enqueue to a full peer queue.
	ErrQueueFull = errors.New("server: peer queue is full")
	// ErrAlreadyRegistered is returned when a connection id is registered twice.
	ErrAlreadyRegistered = errors.New("server: connection already registered")
)

// ConnID identifies one live connection. Seq is drawn from a per-server
// counter, so two sockets from the same remote address never share an id.
type ConnID struct {
	Addr string
	Seq  uint64
}

func (id ConnID) String() string { return id.Addr + "#" + strconv.FormatUint(id.Seq, 10) }

// outbox is a bounded FIFO of events for one peer. gone is closed when the
// consumer stops draining; the event channel itself is never closed because
// it has many producers.
type outbox struct {
	events chan *protocol.Event
	gone   chan struct{}
	once   sync.Once
}

// Sender is the producer half of a peer's outbound queue.
type Sender struct{ box *outbox }

// Receiver is the consumer half of a peer's outbound queue. Exactly one
// writer loop owns it.
type Receiver struct{ box *outbox }

func newOutbox(capacity int) (*Sender, *Receiver) {
	if capacity <= 0 {
		capacity = 1
	}
	box := &outbox{
		events: make(chan *protocol.Event, capacity),
		gone:   make(chan struct{}),
	}
	return &Sender{box: box}, &Receiver{box: box}
}

// Send enqueues ev, waiting while the queue is full. It fails with
// ErrPeerGone once the receiver is closed, or with ctx.Err().
func (s *Sender) Send(ctx context.Context, ev *protocol.Event) error {
	select {
	case <-s.box.gone:
		return ErrPeerGone
	default:
	}
	select {
	case s.box.events <- ev:
		return nil
	case <-s.box.gone:
		return ErrPeerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues ev without waiting.
func (s *Sender) TrySend(ev *protocol.Event) error {
	select {
	case <-s.box.gone:
		return ErrPeerGone
	default:
	}
	select {
	case s.box.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events yields queued events in enqueue order.
func (r *Receiver) Events() <-chan *protocol.Event { return r.box.events }

// Gone is closed once Close has been called.
func (r *Receiver) Gone() <-chan struct{} { return r.box.gone }

// Close abandons the queue. Pending and future sends fail with ErrPeerGone.
// It is safe to call more than once.
func (r *Receiver) Close() {
	r.box.once.Do(func() { close(r.box.gone) })
}

// Registry maps live connections to their outbound queues. The lock is only
// held for map access; iteration works on a snapshot so callbacks may block
// or remove entries.
type Registry struct {
	mu    sync.RWMutex
	peers map[ConnID]*Sender
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[ConnID]*Sender)}
}

// Register creates an outbound queue of the given capacity for id.
func (r *Registry) Register(id ConnID, capacity int) (*Sender, *Receiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; exists {
		return nil, nil, ErrAlreadyRegistered
	}
	tx, rx := newOutbox(capacity)
	r.peers[id] = tx
	return tx, rx, nil
}

// Remove drops id unconditionally.
func (r *Registry) Remove(id ConnID) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// removeSender drops id only while it still maps to tx, so a stale prune
// never deletes a newer registration.
func (r *Registry) removeSender(id ConnID, tx *Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[id]; ok && cur == tx {
		delete(r.peers, id)
		return true
	}
	return false
}

// ForEachExcept calls fn for every registered peer other than except. Order
// is unspecified. Peers registered or removed during the walk may or may not
// be visited.
func (r *Registry) ForEachExcept(except ConnID, fn func(id ConnID, tx *Sender)) {
	type entry struct {
		id ConnID
		tx *Sender
	}

	r.mu.RLock()
	snapshot := make([]entry, 0, len(r.peers))
	for id, tx := range r.peers {
		if id == except {
			continue
		}
		snapshot = append(snapshot, entry{id, tx})
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		fn(e.id, e.tx)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) has(id ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}
