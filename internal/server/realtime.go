package server

import (
	"context"
	"sync"
)

const roomBufferSize = 16

// Hub fans live sync frames out to the members of a document room.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[int64]*roomMember
	nextID     int64
	bufferSize int
}

type roomMember struct {
	id     int64
	stream chan []byte
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[int64]*roomMember),
		bufferSize: roomBufferSize,
	}
}

// Join adds a member to the room of documentID until ctx ends or the returned
// cleanup runs. The member id excludes the member from its own publishes.
func (h *Hub) Join(ctx context.Context, documentID string) (int64, <-chan []byte, func()) {
	if documentID == "" {
		ch := make(chan []byte)
		close(ch)
		return 0, ch, func() {}
	}
	member := &roomMember{
		id:     h.nextSequence(),
		stream: make(chan []byte, h.bufferSize),
	}
	h.register(documentID, member)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(documentID, member.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return member.id, member.stream, cleanup
}

// Publish delivers frame to every member of the room except senderID.
// Members that are not keeping up miss the frame.
func (h *Hub) Publish(documentID string, senderID int64, frame []byte) int {
	if documentID == "" || len(frame) == 0 {
		return 0
	}
	h.mu.RLock()
	members := h.rooms[documentID]
	if len(members) == 0 {
		h.mu.RUnlock()
		return 0
	}
	copies := make([]*roomMember, 0, len(members))
	for _, member := range members {
		if member.id != senderID {
			copies = append(copies, member)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, member := range copies {
		select {
		case member.stream <- frame:
			delivered++
		default:
		}
	}
	return delivered
}

// Members reports the size of the room of documentID.
func (h *Hub) Members(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[documentID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(documentID string, member *roomMember) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[documentID]; !ok {
		h.rooms[documentID] = make(map[int64]*roomMember)
	}
	h.rooms[documentID][member.id] = member
}

func (h *Hub) unregister(documentID string, memberID int64) {
	h.mu.Lock()
	members := h.rooms[documentID]
	if members != nil {
		delete(members, memberID)
		if len(members) == 0 {
			delete(h.rooms, documentID)
		}
	}
	h.mu.Unlock()
}
