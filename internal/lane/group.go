package lane

import (
	"context"
	"sync"
)

// Group keeps one Lane per key so work for the same key is serialized while
// different keys proceed independently.
type Group struct {
	mu     sync.Mutex
	lanes  map[string]*Lane
	closed bool
}

// NewGroup constructs an empty lane group.
func NewGroup() *Group {
	return &Group{lanes: make(map[string]*Lane)}
}

// Do runs job on the lane owned by key and waits for its result.
func (g *Group) Do(ctx context.Context, key string, job Job) error {
	l, err := g.laneFor(key)
	if err != nil {
		return err
	}
	return l.Do(ctx, job)
}

// Submit queues job on the lane owned by key without waiting.
func (g *Group) Submit(ctx context.Context, key string, job Job) <-chan error {
	l, err := g.laneFor(key)
	if err != nil {
		result := make(chan error, 1)
		result <- err
		return result
	}
	return l.Submit(ctx, job)
}

// Close drains and stops every lane in the group.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	lanes := make([]*Lane, 0, len(g.lanes))
	for _, l := range g.lanes {
		lanes = append(lanes, l)
	}
	g.mu.Unlock()

	for _, l := range lanes {
		l.Close()
	}
}

func (g *Group) laneFor(key string) (*Lane, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	l, ok := g.lanes[key]
	if !ok {
		l = New()
		g.lanes[key] = l
	}
	return l, nil
}
