package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/trial"
	"github.com/mprestonsparks/dean-orchestration/internal/ws"
)

const (
	// 单次写入的超时
	writeWait = 10 * time.Second
	// 等待pong的超时
	pongWait = 60 * time.Second
	// ping间隔，必须小于pongWait
	pingPeriod = (pongWait * 9) / 10
)

// WSHandler 处理试验进度的WebSocket订阅
type WSHandler struct {
	coordinator *trial.Coordinator
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	logger      config.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(coordinator *trial.Coordinator, hub *ws.Hub, logger config.Logger) *WSHandler {
	return &WSHandler{
		coordinator: coordinator,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WSHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/evolution/:trialId", h.subscribe)
}

// subscribe 升级连接并把试验进度转发给客户端。
// 订阅时先下发status快照；未知的trial_id在升级前以404拒绝。
func (h *WSHandler) subscribe(c echo.Context) error {
	trialID := c.Param("trialId")

	snapshot, err := h.coordinator.GetTrial(trialID)
	if err != nil {
		return writeError(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub, err := h.hub.Subscribe(trialID, snapshot)
	if err != nil {
		conn.Close()
		return err
	}

	h.logger.Debug("WebSocket订阅建立", zap.String("trial_id", trialID))

	// 读协程：只为感知客户端断开和响应pong
	done := make(chan struct{})
	go func() {
		defer close(done)
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
	}()

	defer func() {
		h.hub.Unsubscribe(trialID, sub)
		conn.Close()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub.C():
			if !ok {
				// 话题已终结：发送关闭帧后结束
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-done:
			// 客户端断开
			return nil
		}
	}
}
