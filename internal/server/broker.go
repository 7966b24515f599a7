package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cadenza-ai/cadenza/internal/model"
)

// Broker fans out run events to SSE subscribers. The state machine's event
// sink publishes every entry here; subscribers either watch a single thread
// or the whole firehose.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string // channel -> thread filter, "" means all threads
}

// NewBroker creates an SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Publish formats a run event as SSE and broadcasts it to matching
// subscribers. Internal-visibility events are not published; they stay in
// the run's event log and the audit trail.
func (b *Broker) Publish(threadID string, e model.EventLogEntry) {
	if e.Visibility == model.VisibilityInternal {
		return
	}

	payload, err := json.Marshal(struct {
		ThreadID string `json:"thread_id"`
		model.EventLogEntry
	}{threadID, e})
	if err != nil {
		b.logger.Warn("broker: marshal event", "error", err)
		return
	}

	b.broadcast(threadID, formatSSE(string(e.Type), string(payload)))
}

// Sink returns an event sink bound to a thread, suitable for passing to the
// run controller.
func (b *Broker) Sink(threadID string) func(model.EventLogEntry) {
	return func(e model.EventLogEntry) { b.Publish(threadID, e) }
}

// Subscribe returns a channel that receives SSE-formatted events. An empty
// threadID subscribes to all threads. The caller must call Unsubscribe when
// done.
func (b *Broker) Subscribe(threadID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast path.
	b.mu.Lock()
	b.subscribers[ch] = threadID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers watching threadID. Slow
// subscribers with a full buffer are skipped so one stalled client cannot
// block the rest.
func (b *Broker) broadcast(threadID string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != threadID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message:
// "event: <type>\ndata: <payload>\n\n".
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
