// Package event carries threshold notifications out of the ledger hot
// path. Handlers run on their own goroutines so a slow consumer never
// blocks session admission or usage accounting.
package event

import (
	"sync"
	"time"
)

const (
	EventAccessTrafficOverflow = "access.traffic.overflow"
	EventSessionSuppressed     = "session.suppressed"
	EventServerLost            = "server.lost"
)

type TrafficOverflowPayload struct {
	TokenID      string `json:"token_id"`
	AccessID     string `json:"access_id"`
	TotalTraffic int64  `json:"total_traffic"`
	MaxTraffic   int64  `json:"max_traffic"`
}

type SessionSuppressedPayload struct {
	AccessID     string `json:"access_id"`
	SessionID    string `json:"session_id"`
	SuppressType string `json:"suppress_type"`
}

type ServerLostPayload struct {
	ServerID  string    `json:"server_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Handler func(payload any)

type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

func (b *Bus) Subscribe(event string, handler Handler) {
	if b == nil || event == "" || handler == nil {
		return
	}

	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], handler)
	b.mu.Unlock()
}

func (b *Bus) Publish(event string, payload any) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(payload)
	}
}
