// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse multiplexes job progress events to any number of SSE
// subscribers. Each subscriber gets a bounded channel; a reader that
// cannot keep up has events dropped rather than stalling the engine.
package sse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultKeepAliveInterval = 15 * time.Second
	defaultBufferSize        = 1000
	defaultSubscriberBuffer  = 64
)

// Event is one SSE payload delivered to subscribers.
type Event struct {
	ID        string
	Event     string
	Data      string
	Timestamp time.Time
}

// Config controls Hub behaviour.
type Config struct {
	KeepAliveInterval time.Duration
	MaxBufferSize     int
	SubscriberBuffer  int
}

// Hub fans job events out to SSE subscribers, keeping a bounded in-memory
// ring per job for replay on reconnect.
type Hub struct {
	cfg   Config
	mu    sync.RWMutex
	jobs  map[string]*jobStream
	nowFn func() time.Time
}

// Subscription is an active SSE stream.
type Subscription struct {
	C    <-chan []byte
	stop context.CancelFunc
}

// New creates a Hub with defaults applied.
func New(cfg Config) *Hub {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = defaultBufferSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Hub{
		cfg:   cfg,
		jobs:  make(map[string]*jobStream),
		nowFn: time.Now,
	}
}

// Publish records the event in the job's ring and broadcasts it.
func (h *Hub) Publish(jobID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.nowFn()
	}
	stream := h.getOrCreateStream(jobID)
	stored := stream.add(ev, h.cfg.MaxBufferSize)
	stream.broadcast(formatEvent(stored))
}

// Subscribe registers a subscriber for a job and replays the buffered
// events after lastEventID (all of them when empty).
func (h *Hub) Subscribe(ctx context.Context, jobID, lastEventID string) *Subscription {
	stream := h.getOrCreateStream(jobID)
	ch := make(chan []byte, h.cfg.SubscriberBuffer)
	subCtx, cancel := context.WithCancel(ctx)
	stream.addSubscriber(subCtx, ch, h.cfg.KeepAliveInterval)
	stream.replay(ch, lastEventID)
	return &Subscription{C: ch, stop: cancel}
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
	}
}

func (h *Hub) getOrCreateStream(jobID string) *jobStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.jobs[jobID]
	if !ok {
		stream = newJobStream()
		h.jobs[jobID] = stream
	}
	return stream
}

type jobStream struct {
	mu          sync.RWMutex
	events      []Event
	subscribers map[*subscriber]struct{}
	seq         int64
}

type subscriber struct {
	ctx        context.Context
	ch         chan<- []byte
	keepAlive  time.Duration
	keepTicker *time.Ticker
}

func newJobStream() *jobStream {
	return &jobStream{
		events:      make([]Event, 0),
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (js *jobStream) add(ev Event, maxSize int) Event {
	js.mu.Lock()
	defer js.mu.Unlock()

	js.seq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%d", js.seq)
	}
	js.events = append(js.events, ev)
	if len(js.events) > maxSize {
		js.events = js.events[len(js.events)-maxSize:]
	}
	return ev
}

func (js *jobStream) addSubscriber(ctx context.Context, ch chan<- []byte, keepAlive time.Duration) {
	sub := &subscriber{ctx: ctx, ch: ch, keepAlive: keepAlive}
	js.mu.Lock()
	js.subscribers[sub] = struct{}{}
	js.mu.Unlock()

	go sub.run(func() {
		js.removeSubscriber(sub)
	})
}

func (js *jobStream) removeSubscriber(sub *subscriber) {
	js.mu.Lock()
	defer js.mu.Unlock()
	delete(js.subscribers, sub)
}

func (js *jobStream) replay(ch chan<- []byte, lastID string) {
	js.mu.RLock()
	defer js.mu.RUnlock()
	start := 0
	if lastID != "" {
		for i, ev := range js.events {
			if ev.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	for _, ev := range js.events[start:] {
		select {
		case ch <- formatEvent(ev):
		default:
			// replay overflow: the live stream will still catch the tail
			return
		}
	}
}

func (js *jobStream) broadcast(payload []byte) {
	js.mu.RLock()
	defer js.mu.RUnlock()
	for sub := range js.subscribers {
		select {
		case sub.ch <- payload:
		default:
			// drop if slow; keep the engine live
		}
	}
}

func (s *subscriber) run(onClose func()) {
	defer func() {
		if s.keepTicker != nil {
			s.keepTicker.Stop()
		}
		if onClose != nil {
			onClose()
		}
		close(s.ch)
	}()

	if s.keepAlive > 0 {
		s.keepTicker = time.NewTicker(s.keepAlive)
		defer s.keepTicker.Stop()
	}

	if s.keepTicker == nil {
		<-s.ctx.Done()
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.keepTicker.C:
			select {
			case s.ch <- []byte(":keep-alive\n\n"):
			default:
			}
		}
	}
}

func formatEvent(ev Event) []byte {
	var builder strings.Builder
	if ev.ID != "" {
		builder.WriteString("id: ")
		builder.WriteString(ev.ID)
		builder.WriteByte('\n')
	}
	if ev.Event != "" {
		builder.WriteString("event: ")
		builder.WriteString(ev.Event)
		builder.WriteByte('\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		builder.WriteString("data: ")
		builder.WriteString(line)
		builder.WriteByte('\n')
	}
	builder.WriteByte('\n')
	return []byte(builder.String())
}
