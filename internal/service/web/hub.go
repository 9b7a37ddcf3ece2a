package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/settings"
)

// TrafficLogEntry 定义了单条流量日志的结构
type TrafficLogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	ClientIP    string    `json:"client_ip"`
	Protocol    string    `json:"protocol"`
	Destination string    `json:"destination"`
	Action      string    `json:"action"`
	Target      string    `json:"target,omitempty"`
}

// HealthUpdate 描述一个代理的状态变化
type HealthUpdate struct {
	Timestamp time.Time `json:"timestamp"`
	Chain     string    `json:"chain"`
	Index     int       `json:"index"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

// SnapshotReloaded 在新快照发布后广播
type SnapshotReloaded struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Chains    int       `json:"chains"`
}

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to the
// clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

var _ settings.Subscriber = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop 结束 Run 并关闭所有客户端
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount 返回已注册的客户端数量
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) send(msgType string, data interface{}) {
	jsonMsg, err := json.Marshal(WebSocketMessage{Type: msgType, Data: data})
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("Hub: Failed to marshal message.")
		return
	}
	select {
	case h.broadcast <- jsonMsg:
	default:
		logger.Warn().Str("type", msgType).Msg("Hub: Broadcast channel is full, message dropped.")
	}
}

// BroadcastHealthChange 广播一次代理状态变化
func (h *Hub) BroadcastHealthChange(c health.Change) {
	h.send("health_update", &HealthUpdate{
		Timestamp: time.Now(),
		Chain:     c.Key.Chain,
		Index:     c.Key.Index,
		From:      c.From.String(),
		To:        c.To.String(),
	})
}

// BroadcastTrafficLog 广播单条流量日志
func (h *Hub) BroadcastTrafficLog(entry *TrafficLogEntry) {
	h.send("traffic_log", entry)
}

// OnSnapshotUpdate 订阅新快照：广播重载消息，并开始转发新健康表的状态变化。
func (h *Hub) OnSnapshotUpdate(st *settings.State) error {
	st.Health.OnChange(h.BroadcastHealthChange)
	h.send("snapshot_reloaded", &SnapshotReloaded{
		Timestamp: time.Now(),
		Version:   st.Snapshot.Version,
		Chains:    len(st.Snapshot.Chains),
	})
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.done:
		conn.Close()
		return
	}

	// This is a read pump. It's needed to detect when a client closes the connection.
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
