// Package events is the in-process pub/sub channel connecting the anomaly
// detector and self-healing controller to their subscribers (the websocket
// stream, notification sinks). Envelopes follow CloudEvents 1.0.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeAnomalyDetected     = "trustplane.anomaly.detected"
	TypeRemediationApplied  = "trustplane.selfheal.remediation"
	TypeQuarantineOpened    = "trustplane.quarantine.opened"
	TypeQuarantineReleased  = "trustplane.quarantine.released"
	TypeAgentSuspended      = "trustplane.agent.suspended"
	TypeWebhookDeadLettered = "trustplane.adapter.dead_lettered"
	TypeBreakerOpened       = "trustplane.breaker.opened"
)

// Emitter is the publishing side of the bus.
type Emitter interface {
	Emit(eventType, source, subject string, correlationID string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope carried on the bus. TenantID,
// Env, and CorrelationID ride as extension attributes so every subscriber
// can attribute the event without unpacking Data.
type CloudEvent struct {
	SpecVersion   string                 `json:"specversion"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	ID            string                 `json:"id"`
	Time          time.Time              `json:"time"`
	Subject       string                 `json:"subject,omitempty"`
	TenantID      string                 `json:"tenantid,omitempty"`
	Env           string                 `json:"env,omitempty"`
	CorrelationID string                 `json:"correlationid,omitempty"`
	Data          map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// Bus is an in-process pub/sub event bus. Subscribers receive events in
// real time; a full subscriber channel drops rather than blocks.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no types to receive ALL events.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)

	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *CloudEvent, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *CloudEvent, 0)
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event tagged with the correlation id.
func (b *Bus) Emit(eventType, source, subject string, correlationID string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	event.CorrelationID = correlationID
	b.Publish(event)
}

// EmitScoped creates and publishes an event carrying tenant attribution.
func (b *Bus) EmitScoped(eventType, source, subject, tenantID, env, correlationID string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	event.TenantID = tenantID
	event.Env = env
	event.CorrelationID = correlationID
	b.Publish(event)
}

// SubscriberCount returns the total number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
