package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
)

// Subscriber 观察者订阅管理（由 jobcore.Service 实现）。
type Subscriber interface {
	Connect(observerID string)
	Subscribe(observerID, jobID string) error
	Unsubscribe(observerID, jobID string) bool
	Disconnect(observerID string)
}

// ClientMessage 客户端发来的订阅指令。
type ClientMessage struct {
	Action string `json:"action"` // subscribe | unsubscribe
	JobID  string `json:"jobId"`
}

// ServerMessage 服务端对指令的应答。
type ServerMessage struct {
	Type       string `json:"type"` // CONNECTED | SUBSCRIBED | UNSUBSCRIBED | ERROR
	ObserverID string `json:"observerId,omitempty"`
	JobID      string `json:"jobId,omitempty"`
	Message    string `json:"message,omitempty"`
}

const writeWait = 5 * time.Second

// wsConn 单个连接；gorilla 连接不支持并发写，写操作由 mu 串行化。
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Hub websocket 观察者连接表，实现 broadcast.Sender。
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
	sub   Subscriber
}

// NewHub 构造；需在服务创建后调用 Bind。
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: map[string]*wsConn{},
	}
}

// Bind 绑定订阅管理方。
func (h *Hub) Bind(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sub = sub
}

// Send 实现 broadcast.Sender：把事件写给对应连接。
func (h *Hub) Send(_ context.Context, observerID string, ev model.Event) error {
	h.mu.RLock()
	c, ok := h.conns[observerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: observer %s", model.ErrNotFound, observerID)
	}
	return c.writeJSON(ev)
}

// Count 当前连接数。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP 升级为 websocket 并处理订阅指令，连接断开时清理全部订阅。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	sub := h.sub
	h.mu.RUnlock()
	if sub == nil {
		http.Error(w, "hub not bound", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	id := uuid.NewString()
	c := &wsConn{conn: conn}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	sub.Connect(id)
	logging.L().Info(r.Context(), "observer connected", "observer", id, "total", h.Count())

	defer func() {
		sub.Disconnect(id)
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
		_ = conn.Close()
		logging.L().Info(context.Background(), "observer disconnected", "observer", id)
	}()

	if err := c.writeJSON(ServerMessage{Type: "CONNECTED", ObserverID: id}); err != nil {
		return
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := c.writeJSON(h.handle(sub, id, raw)); err != nil {
			return
		}
	}
}

func (h *Hub) handle(sub Subscriber, id string, raw []byte) ServerMessage {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{Type: "ERROR", Message: "invalid message: " + err.Error()}
	}
	switch msg.Action {
	case "subscribe":
		if err := sub.Subscribe(id, msg.JobID); err != nil {
			return ServerMessage{Type: "ERROR", JobID: msg.JobID, Message: err.Error()}
		}
		return ServerMessage{Type: "SUBSCRIBED", JobID: msg.JobID}
	case "unsubscribe":
		sub.Unsubscribe(id, msg.JobID)
		return ServerMessage{Type: "UNSUBSCRIBED", JobID: msg.JobID}
	}
	return ServerMessage{Type: "ERROR", Message: fmt.Sprintf("unknown action %q", msg.Action)}
}
