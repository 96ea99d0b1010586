// Package events tracks per-stream event identifiers and retains a bounded
// replay buffer so client-facing streams (SSE) can resume after a
// disconnect. Event ids are strictly increasing within a stream; replay
// either returns exactly the missed suffix or reports a gap. It never
// fabricates a successful-but-incomplete replay.
package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kevinswiber/shadowcat/metrics"
)

var (
	// ErrReplayGap indicates the requested resume point predates the oldest
	// retained event. The caller must re-synchronize (e.g. full resend).
	ErrReplayGap = errors.New("replay gap: requested events no longer retained")
	// ErrStreamClosed indicates the stream or its session was cleaned up.
	ErrStreamClosed = errors.New("stream closed")
)

// EventID is a per-stream monotonically increasing identifier. The zero
// value means "no events consumed yet".
type EventID uint64

func (id EventID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseEventID parses the wire form of an event id (e.g. an SSE
// Last-Event-ID header value).
func ParseEventID(s string) (EventID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return EventID(v), nil
}

// Event is an immutable record emitted on a tracked stream.
type Event struct {
	ID        EventID
	Payload   []byte
	CreatedAt time.Time
}

// Config bounds the per-stream retention buffer. Whichever configured limit
// is reached first evicts the oldest events.
type Config struct {
	// RetentionCount caps events retained per stream. Zero means 256.
	RetentionCount int
	// RetentionAge caps event age. Zero disables age-based eviction.
	RetentionAge time.Duration

	Metrics metrics.Sink
	Logger  *slog.Logger
	Clock   clockwork.Clock
}

func (c *Config) applyDefaults() {
	if c.RetentionCount == 0 {
		c.RetentionCount = 256
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

type streamKey struct {
	sessionID string
	streamID  string
}

type stream struct {
	mu sync.Mutex

	nextID EventID
	// evictedThrough is the highest event id no longer retained; a resume
	// point below it is a gap.
	evictedThrough EventID
	events         []Event
	subscribers    map[*Subscription]struct{}
	closed         bool
}

// Tracker owns all stream buffers, keyed by (session id, stream id).
// Sessions and streams are related only through these opaque ids; neither
// structure holds a pointer into the other.
type Tracker struct {
	cfg     Config
	clock   clockwork.Clock
	log     *slog.Logger
	metrics metrics.Sink

	mu      sync.RWMutex
	streams map[streamKey]*stream
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		streams: make(map[streamKey]*stream),
	}
}

func (t *Tracker) ensureStream(key streamKey) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[key]
	if !ok {
		s = &stream{subscribers: make(map[*Subscription]struct{})}
		t.streams[key] = s
	}
	return s
}

// StoreEvent appends a payload to the stream and returns its generated id.
// Ids are allocated by a single per-stream counter, so two events in the
// same stream can never share or skip an id.
func (t *Tracker) StoreEvent(sessionID, streamID string, payload []byte) (EventID, error) {
	s := t.ensureStream(streamKey{sessionID: sessionID, streamID: streamID})
	now := t.clock.Now().UTC()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}
	s.nextID++
	ev := Event{ID: s.nextID, Payload: append([]byte(nil), payload...), CreatedAt: now}
	s.events = append(s.events, ev)
	t.evictLocked(s, now)

	// Snapshot subscribers so delivery happens outside the lock.
	subs := make([]*Subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}

	return ev.ID, nil
}

// evictLocked applies count and age retention. Caller holds s.mu.
func (t *Tracker) evictLocked(s *stream, now time.Time) {
	for len(s.events) > t.cfg.RetentionCount {
		s.evictedThrough = s.events[0].ID
		s.events = s.events[1:]
	}
	if t.cfg.RetentionAge > 0 {
		for len(s.events) > 0 && now.Sub(s.events[0].CreatedAt) > t.cfg.RetentionAge {
			s.evictedThrough = s.events[0].ID
			s.events = s.events[1:]
		}
	}
}

// EventsAfter returns exactly the retained events with id > lastEventID, in
// order. If lastEventID predates the oldest retained event it returns
// ErrReplayGap.
func (t *Tracker) EventsAfter(sessionID, streamID string, lastEventID EventID) ([]Event, error) {
	t.mu.RLock()
	s, ok := t.streams[streamKey{sessionID: sessionID, streamID: streamID}]
	t.mu.RUnlock()
	if !ok {
		if lastEventID > 0 {
			// The stream (and its buffer) is gone; nothing can be verified.
			t.metrics.IncCounter(metrics.ReplayGaps, nil)
			return nil, ErrReplayGap
		}
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return t.eventsAfterLocked(s, lastEventID)
}

func (t *Tracker) eventsAfterLocked(s *stream, lastEventID EventID) ([]Event, error) {
	// A resume point beyond the high-water mark belongs to a previous
	// incarnation of the stream; treat it like any other gap.
	if lastEventID < s.evictedThrough || lastEventID > s.nextID {
		t.metrics.IncCounter(metrics.ReplayGaps, nil)
		return nil, ErrReplayGap
	}
	var out []Event
	for _, ev := range s.events {
		if ev.ID > lastEventID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CloseStream drops the stream's buffer and terminates its subscribers.
func (t *Tracker) CloseStream(sessionID, streamID string) {
	t.mu.Lock()
	key := streamKey{sessionID: sessionID, streamID: streamID}
	s, ok := t.streams[key]
	if ok {
		delete(t.streams, key)
	}
	t.mu.Unlock()
	if ok {
		closeStream(s)
	}
}

// CloseSession drops every stream belonging to the session. Wired as the
// session manager's eviction hook so cleanup releases stream state.
func (t *Tracker) CloseSession(sessionID string) {
	t.mu.Lock()
	var doomed []*stream
	for key, s := range t.streams {
		if key.sessionID == sessionID {
			doomed = append(doomed, s)
			delete(t.streams, key)
		}
	}
	t.mu.Unlock()
	for _, s := range doomed {
		closeStream(s)
	}
}

func closeStream(s *stream) {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[*Subscription]struct{})
	s.events = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.terminate()
	}
}

// StreamCount reports the number of live stream buffers.
func (t *Tracker) StreamCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}

// Subscribe returns an ordered stream combining bounded replay from
// lastEventID with live delivery. A lastEventID older than retention fails
// with ErrReplayGap before any event is delivered.
func (t *Tracker) Subscribe(ctx context.Context, sessionID, streamID string, lastEventID EventID) (*Subscription, error) {
	s := t.ensureStream(streamKey{sessionID: sessionID, streamID: streamID})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	replay, err := t.eventsAfterLocked(s, lastEventID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	sub := &Subscription{
		s:    s,
		ch:   make(chan Event, len(replay)+64),
		done: make(chan struct{}),
	}
	// Queue the replay suffix and register for live events under the same
	// lock so no concurrently published event is missed or duplicated.
	for _, ev := range replay {
		sub.ch <- ev
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

// Subscription is an ordered event consumer for a single stream. Safe for
// use by a single consumer.
type Subscription struct {
	s      *stream
	ch     chan Event
	done   chan struct{}
	closed sync.Once
}

// Next blocks until the next event is available or the context ends.
// Returns io.EOF once the stream is closed and drained.
func (sub *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-sub.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-sub.done:
		// Drain anything queued before termination.
		select {
		case ev, ok := <-sub.ch:
			if ok {
				return ev, nil
			}
		default:
		}
		return Event{}, io.EOF
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close releases the subscription.
func (sub *Subscription) Close() error {
	sub.s.mu.Lock()
	delete(sub.s.subscribers, sub)
	sub.s.mu.Unlock()
	sub.terminate()
	return nil
}

func (sub *Subscription) deliver(ev Event) {
	select {
	case sub.ch <- ev:
	default:
		// Slow consumer: terminating forces a resume via lastEventID, which
		// preserves ordering instead of silently dropping the event.
		sub.s.mu.Lock()
		delete(sub.s.subscribers, sub)
		sub.s.mu.Unlock()
		sub.terminate()
	}
}

func (sub *Subscription) terminate() {
	sub.closed.Do(func() { close(sub.done) })
}
