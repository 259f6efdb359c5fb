package relay

import (
	"errors"
	"sync"

	"github.com/postalsys/bedrock-relay/internal/protocol"
)

// DefaultPendingQueueSize is the number of server-bound packets held while
// the server connection is being established.
const DefaultPendingQueueSize = 1000

// ErrQueueActive is returned when Activate is called twice.
var ErrQueueActive = errors.New("pending queue already active")

type packetWriter interface {
	WritePacket(pk protocol.Packet) error
	WritePacketImmediate(pk protocol.Packet) error
}

type pendingEntry struct {
	pk        protocol.Packet
	immediate bool
}

// PendingQueue holds server-bound packets until the server connection is
// ready. It has two states: pending, where sends are queued, and active,
// where sends go straight to the writer. The switch drains the queue under
// the same lock that guards sends, so nothing sent after activation can
// overtake a queued packet.
type PendingQueue struct {
	mu       sync.Mutex
	entries  []pendingEntry
	capacity int
	active   packetWriter
	dropped  uint64

	onDrop func(pk protocol.Packet)
}

// NewPendingQueue creates a queue holding at most capacity packets. When
// full, new packets are dropped and onDrop is called.
func NewPendingQueue(capacity int, onDrop func(pk protocol.Packet)) *PendingQueue {
	if capacity <= 0 {
		capacity = DefaultPendingQueueSize
	}
	return &PendingQueue{capacity: capacity, onDrop: onDrop}
}

// Send writes pk to the active writer or queues it.
func (q *PendingQueue) Send(pk protocol.Packet, immediate bool) error {
	q.mu.Lock()
	if q.active != nil {
		defer q.mu.Unlock()
		return write(q.active, pk, immediate)
	}
	if len(q.entries) >= q.capacity {
		q.dropped++
		q.mu.Unlock()
		if q.onDrop != nil {
			q.onDrop(pk)
		}
		return nil
	}
	q.entries = append(q.entries, pendingEntry{pk: pk, immediate: immediate})
	q.mu.Unlock()
	return nil
}

// Activate drains the queue into w in order and switches to the active
// state. On a write error the queue is still active and the remaining
// entries are discarded.
func (q *PendingQueue) Activate(w packetWriter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != nil {
		return ErrQueueActive
	}
	q.active = w

	entries := q.entries
	q.entries = nil
	for _, e := range entries {
		if err := write(w, e.pk, e.immediate); err != nil {
			return err
		}
	}
	return nil
}

// Active reports whether the queue has been activated.
func (q *PendingQueue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil
}

// Len returns the number of queued packets.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many packets overflowed the queue.
func (q *PendingQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func write(w packetWriter, pk protocol.Packet, immediate bool) error {
	if immediate {
		return w.WritePacketImmediate(pk)
	}
	return w.WritePacket(pk)
}
