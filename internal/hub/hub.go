// Package hub is the push-channel multiplexer the source's framework-
// specific streaming primitive is re-architected into: a topic per build,
// bounded per-subscriber queues, and slow subscribers dropped with a
// Warning rather than ever allowed to back-pressure the Log Pipeline (§9
// design note "Streaming hub").
package hub

import (
	"log/slog"
	"sync"

	"github.com/corvus-ci/enginectl/internal/models"
)

// defaultQueueSize bounds how many live entries a subscriber can lag behind
// before the Hub drops it.
const defaultQueueSize = 256

// ReplayFunc fetches the persisted entries after afterSeq for a build. the
// Hub calls it while holding the topic lock during Subscribe so that no
// entry Published concurrently with the replay fetch is either duplicated
// or missed (§4.4 rule 5).
type ReplayFunc func(buildID string, afterSeq int64) ([]models.LogEntry, error)

// Hub owns one topic per build currently being streamed.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

// New constructs an empty Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, topics: make(map[string]*topic)}
}

type subscriber struct {
	ch     chan models.LogEntry
	closed bool
}

type topic struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextSubID   int
}

func (h *Hub) topicFor(buildID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[buildID]
	if !ok {
		t = &topic{subscribers: make(map[int]*subscriber)}
		h.topics[buildID] = t
	}
	return t
}

// Subscription is returned by Subscribe: Initial holds the replayed
// persisted entries (already delivered, no further action needed), Live
// streams everything Published after the subscriber joined, and
// Unsubscribe releases the subscriber's queue.
type Subscription struct {
	Initial     []models.LogEntry
	Live        <-chan models.LogEntry
	Unsubscribe func()
}

// Subscribe registers a live subscriber for buildID and atomically replays
// everything persisted after afterSeq, so the caller observes each entry
// exactly once regardless of join time (§8 property 5).
func (h *Hub) Subscribe(buildID string, afterSeq int64, replay ReplayFunc) (*Subscription, error) {
	t := h.topicFor(buildID)

	t.mu.Lock()
	defer t.mu.Unlock()

	initial, err := replay(buildID, afterSeq)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{ch: make(chan models.LogEntry, defaultQueueSize)}
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = sub

	return &Subscription{
		Initial: initial,
		Live:    sub.ch,
		Unsubscribe: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if existing, ok := t.subscribers[id]; ok && !existing.closed {
				existing.closed = true
				close(existing.ch)
				delete(t.subscribers, id)
			}
		},
	}, nil
}

// Publish delivers entry to every live subscriber of buildID. a subscriber
// whose queue is already full is dropped — its channel closed, removed from
// the topic, and a Warning logged — rather than allowed to block Publish
// and back-pressure the Log Pipeline.
func (h *Hub) Publish(buildID string, entry models.LogEntry) {
	t := h.topicFor(buildID)

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, sub := range t.subscribers {
		select {
		case sub.ch <- entry:
		default:
			h.logger.Warn("dropping slow log subscriber", "build_id", buildID, "subscriber_id", id)
			sub.closed = true
			close(sub.ch)
			delete(t.subscribers, id)
		}
	}
}

// Close tears down a build's topic, disconnecting every remaining
// subscriber. called once a build reaches a terminal state and no further
// entries will be Published.
func (h *Hub) Close(buildID string) {
	h.mu.Lock()
	t, ok := h.topics[buildID]
	if ok {
		delete(h.topics, buildID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subscribers {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(t.subscribers, id)
	}
}
