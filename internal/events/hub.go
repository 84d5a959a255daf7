// Package events はステートマシンのスナップショットをUIへ配信するイベントハブを提供する。
package events

import (
	"log/slog"
	"sync"
	"time"
)

// イベント種別
const (
	TypeSession     = "session"
	TypeEntitlement = "entitlement"
	TypeRecipeInput = "recipe_input"
)

// sendBufferSize はクライアントごとの送信バッファ。
const sendBufferSize = 32

// Event はUIへ送る1件の状態通知。
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Subscriber はハブに登録された1つの受信者。
type Subscriber struct {
	id   int
	send chan Event
}

// C は受信チャネルを返す。ハブから外されるとcloseされる。
func (s *Subscriber) C() <-chan Event {
	return s.send
}

// Hub は登録済みの受信者へイベントをブロードキャストする。
// 送信バッファが一杯の受信者は切断する。
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]*Subscriber
	nextID      int
	closed      bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[int]*Subscriber),
		logger:      logger,
		now:         time.Now,
	}
}

// Subscribe は受信者を登録する。ハブが閉じられている場合はclose済みのチャネルを持つ受信者を返す。
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscriber{id: h.nextID, send: make(chan Event, sendBufferSize)}
	h.nextID++
	if h.closed {
		close(s.send)
		return s
	}
	h.subscribers[s.id] = s
	return s
}

// Unsubscribe は受信者を外す。複数回呼んでもよい。
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s.id)
}

func (h *Hub) removeLocked(id int) {
	s, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(s.send)
}

// Publish は全受信者にイベントを送る。
func (h *Hub) Publish(eventType string, data any) {
	ev := Event{Type: eventType, At: h.now().UTC(), Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.subscribers {
		select {
		case s.send <- ev:
		default:
			h.logger.Warn("dropping slow event subscriber",
				slog.Int("subscriber_id", id),
				slog.String("event_type", eventType),
			)
			h.removeLocked(id)
		}
	}
}

// Count は登録中の受信者数を返す。
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close は全受信者を外し、以降の登録を拒否する。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id := range h.subscribers {
		h.removeLocked(id)
	}
}
