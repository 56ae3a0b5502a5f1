package liveevents

import (
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	StatusCommitted = "committed"
	StatusReplayed  = "replayed"
	StatusDeleted   = "deleted"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidTeam    = errors.New("invalid_team")
)

// Event tells devices watching a team which short id a matter ended up
// with. Reassigned is set when the device's hint lost and the displayed key
// has to change.
type Event struct {
	MatterID      string    `json:"matter_id"`
	TeamID        string    `json:"team_id"`
	ShortID       int64     `json:"short_id"`
	ClientShortID int64     `json:"client_short_id,omitempty"`
	Key           string    `json:"key"`
	Status        string    `json:"status"`
	Reassigned    bool      `json:"reassigned"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Hub fans events out to local subscribers of a team. Each team keeps a
// short backlog so a reconnecting device can catch up on recent commits.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []Event
	subs   map[uint64]chan Event
	nextID uint64
}

type Subscription struct {
	hub    *Hub
	teamID string
	id     uint64
	ch     chan Event
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	teamID := strings.TrimSpace(event.TeamID)
	if teamID == "" {
		return
	}

	stream := h.ensureStream(teamID)
	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan Event, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	// slow subscribers drop events and recover from the backlog or a list
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) Subscribe(teamID string) (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, nil, ErrInvalidTeam
	}

	stream := h.ensureStream(teamID)
	stream.mu.Lock()
	id := stream.nextID
	stream.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	stream.subs[id] = ch
	backlog := append([]Event(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:    h,
		teamID: teamID,
		id:     id,
		ch:     ch,
	}, backlog, nil
}

// Subscribers returns the number of live subscriptions for a team.
func (h *Hub) Subscribers(teamID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	stream := h.streams[strings.TrimSpace(teamID)]
	h.mu.RUnlock()
	if stream == nil {
		return 0
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return len(stream.subs)
}

func (h *Hub) ensureStream(teamID string) *stream {
	h.mu.RLock()
	current := h.streams[teamID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[teamID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Event)}
		h.streams[teamID] = current
	}
	return current
}

// unsubscribe keeps the stream and its backlog around for reconnects.
func (h *Hub) unsubscribe(teamID string, id uint64) {
	if h == nil {
		return
	}
	h.mu.RLock()
	stream := h.streams[teamID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	stream.mu.Unlock()
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.teamID, s.id)
	})
}
