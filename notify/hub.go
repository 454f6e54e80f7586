package notify

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is one item-level change fanned out to connected observers.
type Event struct {
	Type       string          `json:"type"`
	BusinessId string          `json:"business_id"`
	OrderId    int             `json:"order_id,omitempty"`
	ItemId     string          `json:"item_id,omitempty"`
	WorklogId  int             `json:"worklog_id,omitempty"`
	Items      json.RawMessage `json:"items,omitempty"`
}

const (
	EventTypeItemChange    = "item_change"
	EventTypeWorklogChange = "worklog_change"
	EventTypeStockChange   = "stock_change"
)

// Subscriber is one connected observer.
type Subscriber struct {
	ID     string
	UserID int
	Events chan Event
}

// Hub fans item-level change events out to connected subscribers.
//
// Delivery contract: best-effort and unacknowledged. A subscriber whose buffer
// is full has the event dropped and is counted against it; broadcast never
// blocks and never fails the ledger mutation that triggered it.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *logrus.Logger
}

// GlobalHub is the process-wide hub used by the ledger operations.
var GlobalHub = NewHub(nil)

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

func (h *Hub) SetLogger(logger *logrus.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logger
}

func (h *Hub) Register(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.ID] = sub
}

func (h *Hub) Unregister(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(h.subscribers, subscriberID)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast delivers the event to every subscriber that can take it.
// Subscribers with a full buffer are skipped.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		select {
		case sub.Events <- event:
		default:
			if h.logger != nil {
				h.logger.WithFields(logrus.Fields{
					"subscriber_id": sub.ID,
					"event_type":    event.Type,
				}).Warn("subscriber buffer full, dropping event")
			}
		}
	}
}
