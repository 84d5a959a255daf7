package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/pantrypilot/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// EventsHandler はステートマシンのスナップショットをWebSocketで配信する。
// 接続直後に全ステートマシンの現在値を送り、その後はハブの通知を転送する。
type EventsHandler struct {
	hub           *events.Hub
	session       SessionService
	entitlements  EntitlementService
	recipeInput   RecipeInputService
	allowedOrigin string
	upgrader      websocket.Upgrader
}

// NewEventsHandler はEventsHandlerを生成する。
// allowedOriginはブラウザからの接続で許可するOrigin。同一ホストからの接続は常に許可する。
func NewEventsHandler(hub *events.Hub, sess SessionService, ent EntitlementService, in RecipeInputService, allowedOrigin string) *EventsHandler {
	h := &EventsHandler{
		hub:           hub,
		session:       sess,
		entitlements:  ent,
		recipeInput:   in,
		allowedOrigin: allowedOrigin,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigin != "" && origin == h.allowedOrigin {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Stream はWebSocket接続を確立してイベントを配信する。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// 登録してから現在値を送ることで、その間の変更を取りこぼさない
	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, done)
}

func (h *EventsHandler) initialEvents() []events.Event {
	now := time.Now().UTC()
	return []events.Event{
		{Type: events.TypeSession, At: now, Data: h.session.Snapshot()},
		{Type: events.TypeEntitlement, At: now, Data: h.entitlements.Snapshot()},
		{Type: events.TypeRecipeInput, At: now, Data: h.recipeInput.Snapshot()},
	}
}

// readPump はクライアントからのメッセージを読み捨て、切断を検知する。
func (h *EventsHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *EventsHandler) writePump(conn *websocket.Conn, sub *events.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for _, ev := range h.initialEvents() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			slog.Debug("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}

	for {
		select {
		case ev, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// ハブから外された（送信が追いつかない、またはシャットダウン）
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
