// Package ws 基于 WebSocket 的事件推送接口
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/application"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler WebSocket 处理器
// 每个连接订阅一个交易对：先收到订单簿快照，随后持续收到事件流
type Handler struct {
	manager  *application.EngineManager
	notifier *application.SettlementNotifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler 创建处理器
func NewHandler(manager *application.EngineManager, notifier *application.SettlementNotifier, logger *slog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("module", "ws_handler"),
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/book", h.SubscribeBook)
}

// SubscribeBook 订阅交易对：推送初始快照后接入事件流
func (h *Handler) SubscribeBook(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	snapshot, err := h.manager.BookSnapshot(market, 0)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	sub := h.notifier.Subscribe(market)
	h.logger.Info("websocket subscriber connected", "subscriber_id", sub.ID, "market", market)

	go h.readPump(conn, sub)
	h.writePump(conn, sub, snapshot)
}

// readPump 消费客户端帧以处理 pong 与关闭
func (h *Handler) readPump(conn *websocket.Conn, sub *application.Subscriber) {
	defer h.notifier.Unsubscribe(sub)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump 先写快照，再依次写出事件；事件通道关闭即断开
func (h *Handler) writePump(conn *websocket.Conn, sub *application.Subscriber, snapshot interface{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(gin.H{"type": "snapshot", "book": snapshot}); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
