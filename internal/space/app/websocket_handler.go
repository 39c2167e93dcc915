package app

import (
	"context"
	"time"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/pkg/logger"
	"virtual_space_service/pkg/wsconn"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// ErrSocketClosed send on a closed socket
var ErrSocketClosed = wsconn.ErrClosed

// SpaceWebsocketHandler entry point of the presence socket
type SpaceWebsocketHandler struct {
	svc          *SpaceService
	pingInterval time.Duration
	refresh      time.Duration
	outbox       int
}

// NewSpaceWebsocketHandler create SpaceWebsocketHandler
func NewSpaceWebsocketHandler(svc *SpaceService, pingInterval, presenceRefresh time.Duration, outbox int) *SpaceWebsocketHandler {
	if outbox <= 0 {
		outbox = 256
	}
	return &SpaceWebsocketHandler{svc: svc, pingInterval: pingInterval, refresh: presenceRefresh, outbox: outbox}
}

// HandleConnection 是 WebSocket 連線的進入點, 直到連線結束才返回
func (h *SpaceWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	sender := &wsSender{wsconn.New(conn, h.outbox)}
	go sender.Run(h.pingInterval)

	session := NewUserSession(h.svc, sender, h.refresh)
	defer func() {
		session.Close(ctx)
		sender.Close(websocket.CloseNormalClosure, "")
		<-sender.Done()
		logger.Log.Debug("websocket closed", zap.String("remote", conn.RemoteAddr().String()))
	}()

	wsconn.KeepAlive(conn, h.pingInterval, nil)
	wsconn.ReadLoop(conn, func(msg []byte) {
		session.Handle(ctx, msg)
	})
}

// wsSender adapts the socket outbox to domain.Sender
type wsSender struct {
	*wsconn.Outbox
}

func (s *wsSender) Send(msg domain.Envelope) error {
	return s.SendJSON(msg)
}
