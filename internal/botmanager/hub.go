package botmanager

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botdeck/internal/metrics"
	"github.com/betbot/botdeck/pkg/logger"
)

// Subscriber is an open push connection (a dashboard websocket).
// Send is called from the event pump and the reconcile loop, so it must
// queue rather than wait on the network.
type Subscriber interface {
	Send(payload []byte) error
	IsOpen() bool
}

// Hub holds the subscriber set. Closed subscribers are skipped on broadcast
// but stay registered until RemoveClient.
type Hub struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[Subscriber]struct{})}
}

func (h *Hub) Add(s Subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetSubscribers(n)
}

func (h *Hub) Remove(s Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetSubscribers(n)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends payload to every open subscriber and returns how many
// accepted it. One failing subscriber never blocks the others.
func (h *Hub) Broadcast(payload []byte) int {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if deliver(s, payload) {
			delivered++
		}
	}
	metrics.Broadcasts.Add(1)
	return delivered
}

// deliver 单个订阅者的发送，错误和 panic 都只记日志
func deliver(s Subscriber, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("component", "hub").Errorf("subscriber send panicked: %v", r)
			ok = false
		}
	}()
	if !s.IsOpen() {
		return false
	}
	if err := s.Send(payload); err != nil {
		logger.WithFields(logrus.Fields{
			"component":  "hub",
			"subscriber": fmt.Sprintf("%p", s),
		}).Warnf("send failed: %v", err)
		return false
	}
	return true
}
