// Package events provides the in-process publish/subscribe bus that binds
// the fleet coordinator's components together, plus a websocket bridge for
// UI subscribers.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Topics emitted by the core.
const (
	TopicPrinterStatusUpdate      = "printer_status_update"
	TopicPrinterConnected         = "printer_connected"
	TopicPrinterDisconnected      = "printer_disconnected"
	TopicPrinterMonitoringStarted = "printer_monitoring_started"
	TopicPrinterMonitoringStopped = "printer_monitoring_stopped"
	TopicPrinterConnectionProg    = "printer_connection_progress"
	TopicPrinterDiscovered        = "printer_discovered"
	TopicFilesDiscovered          = "files_discovered"
	TopicFileSyncComplete         = "file_sync_complete"
	TopicFileDownloadStarted      = "file_download_started"
	TopicFileDownloadComplete     = "file_download_complete"
	TopicFileDownloadFailed       = "file_download_failed"
	TopicFileNeedsThumbnail       = "file_needs_thumbnail_processing"
	TopicFileThumbnailsProcessed  = "file_thumbnails_processed"
	TopicFileMetadataExtracted    = "file_metadata_extracted"
	TopicFileDeleted              = "file_deleted"
	TopicJobAutoCreated           = "job_auto_created"
	TopicSystemEvent              = "system_event"
)

// Event is the message shape carried on the bus. Data is a plain structured
// payload; file content never moves over the bus.
type Event struct {
	Topic     string                 `json:"topic"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler consumes events for one subscription. Handlers run on their own
// goroutine, one event at a time per subscription.
type Handler func(Event)

type subscription struct {
	id      int
	topic   string
	ch      chan Event
	handler Handler
}

// Bus is a topic-based publish/subscribe channel. Publish is fire-and-forget;
// a slow or failing subscriber never blocks the publisher or its peers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	nextID  int
	wg      sync.WaitGroup
	closed  bool
	bufSize int
	logf    func(format string, args ...interface{})
}

// NewBus creates a new Bus. logf may be nil.
func NewBus(logf func(format string, args ...interface{})) *Bus {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Bus{
		subs:    make(map[string][]*subscription),
		bufSize: 64,
		logf:    logf,
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe func.
// The handler is invoked on a dedicated goroutine, one event at a time.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		topic:   topic,
		ch:      make(chan Event, b.bufSize),
		handler: handler,
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.deliver(sub)

	id := sub.id
	return func() { b.unsubscribe(topic, id) }
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.safeInvoke(sub, ev)
	}
}

// safeInvoke isolates subscriber panics so one consumer cannot take down
// delivery for the rest.
func (b *Bus) safeInvoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logf("events: subscriber panic on %s: %v", sub.topic, r)
		}
	}()
	sub.handler(ev)
}

func (b *Bus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			close(sub.ch)
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends an event to every subscriber of the topic. Delivery is
// best-effort: if a subscriber's buffer is full the event is dropped for
// that subscriber only.
func (b *Bus) Publish(topic string, data map[string]interface{}) {
	ev := Event{Topic: topic, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.logf("events: subscriber buffer full, dropping %s", topic)
		}
	}
}

// Close stops delivery and waits for in-flight handlers to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// String implements fmt.Stringer for diagnostics.
func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return fmt.Sprintf("bus(%d topics, %d subscribers)", len(b.subs), n)
}
