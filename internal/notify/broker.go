package notify

import (
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 16

// Broker is an in-memory best-effort fan-out keyed by session id. Slow
// subscribers lose events instead of blocking the billing path.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan Event
	nextID      int64
	logger      *zap.Logger
}

// NewBroker returns an empty Broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subscribers: make(map[string]map[int64]chan Event),
		logger:      logger,
	}
}

// Notify delivers the event to every live subscriber of the session.
func (broker *Broker) Notify(sessionID string, event Event) {
	broker.mu.RLock()
	defer broker.mu.RUnlock()
	for subscriberID, channel := range broker.subscribers[sessionID] {
		select {
		case channel <- event:
		default:
			broker.logger.Warn("dropping event for slow subscriber",
				zap.String("session_id", sessionID),
				zap.Int64("subscriber_id", subscriberID),
				zap.String("event_type", string(event.Type)))
		}
	}
}

// Subscribe registers a live connection for a session's events. The
// returned cancel func must be called when the connection goes away.
func (broker *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	channel := make(chan Event, subscriberBuffer)
	broker.mu.Lock()
	broker.nextID++
	subscriberID := broker.nextID
	if broker.subscribers[sessionID] == nil {
		broker.subscribers[sessionID] = make(map[int64]chan Event)
	}
	broker.subscribers[sessionID][subscriberID] = channel
	broker.mu.Unlock()

	cancel := func() {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		if channels, ok := broker.subscribers[sessionID]; ok {
			delete(channels, subscriberID)
			if len(channels) == 0 {
				delete(broker.subscribers, sessionID)
			}
		}
	}
	return channel, cancel
}
