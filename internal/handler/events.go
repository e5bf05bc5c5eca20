package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/ticketfront/internal/model"
)

const (
	// EventSession はセッション状態の変化を示すイベント種別。
	EventSession = "session"
	// EventRedirect はUIにサインイン画面への遷移を指示するイベント種別。
	EventRedirect = "redirect"

	eventBufferSize = 16
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
	pongWait        = 2 * pingPeriod
)

// Event はWebSocketでUIへ送るイベント。
type Event struct {
	Type      string           `json:"type"`
	Session   *sessionResponse `json:"session,omitempty"`
	IsLoading bool             `json:"isLoading,omitempty"`
	To        string           `json:"to,omitempty"`
}

// eventClient は接続中のWebSocketクライアント。
// 送信は専用のgoroutineが行い、配信側はsendに積むだけでブロックしない。
type eventClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.send) })
}

// EventHub はセッション状態の変化とサインイン画面への遷移指示をWebSocketで配信する。
type EventHub struct {
	sessions   SessionReader
	sanitizer  NameSanitizer
	signInPath string
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// NewEventHub はEventHubを生成する。
// allowedOriginが空の場合は同一オリジンからの接続のみ受け付ける。
func NewEventHub(sessions SessionReader, sanitizer NameSanitizer, signInPath, allowedOrigin string, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EventHub{
		sessions:   sessions,
		sanitizer:  sanitizer,
		signInPath: signInPath,
		logger:     logger,
		clients:    make(map[*eventClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if allowedOrigin != "" {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin || sameOrigin(r)
		}
	}
	return h
}

// ServeHTTP はWebSocket接続を受け付け、現在の状態を送ってから変化を配信する。
// GET /session/events
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &eventClient{conn: conn, send: make(chan []byte, eventBufferSize)}

	// 登録と初期状態の送信をまとめて行い、以降の配信と順序が入れ替わらないようにする
	h.mu.Lock()
	if data, err := json.Marshal(h.stateEvent(h.sessions.UseSession())); err == nil {
		client.send <- data
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)

	// クライアントが切断するまで読み捨てる
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(client)
}

// PublishState はセッション状態の変化を配信する。session.Listenerとして登録する。
func (h *EventHub) PublishState(state model.SessionState) {
	h.broadcast(h.stateEvent(state))
}

// Navigate はUIにサインイン画面への遷移を指示する。transport.Navigatorとして登録する。
func (h *EventHub) Navigate(_ context.Context) {
	h.logger.Info("サインイン画面への遷移を指示しました", slog.Int("clients", h.ClientCount()))
	h.broadcast(Event{Type: EventRedirect, To: h.signInPath})
}

// ClientCount は接続中のクライアント数を返す。
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close は全クライアントの接続を閉じる。
func (h *EventHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*eventClient]struct{})
	h.mu.Unlock()

	for client := range clients {
		client.close()
	}
}

func (h *EventHub) stateEvent(state model.SessionState) Event {
	resp := toSessionStateResponse(state, h.sanitizer)
	return Event{Type: EventSession, Session: resp.Session, IsLoading: resp.IsLoading}
}

// broadcast はイベントを全クライアントへ配信する。
// 送信が追いつかないクライアントは切断する。
func (h *EventHub) broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			client.close()
		}
	}
}

func (h *EventHub) remove(client *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
	h.mu.Unlock()
}

// writeLoop はsendのメッセージを順に書き込み、定期的にpingを送る。
func (h *EventHub) writeLoop(client *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sameOrigin はOriginヘッダーがリクエスト先のホストと一致するかを返す。
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
