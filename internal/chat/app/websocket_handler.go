package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/internal/chat/repository"
	errprocess "virtual_space_service/pkg/err"
	"virtual_space_service/pkg/logger"
	"virtual_space_service/pkg/wsconn"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber pattern subscription used for live delivery
type Subscriber interface {
	PSubscribe(ctx context.Context, handler func(channel string, payload []byte), patterns ...string) error
}

// socketWriter 寫入單一 socket 的能力 (*wsconn.Outbox)
type socketWriter interface {
	SendJSON(v interface{}) error
	IsOpen() bool
	Close(code int, reason string)
}

type chatSocket struct {
	id     string
	author Author
	out    socketWriter
}

// ChatWebsocketHandler chat gateway, one per process
type ChatWebsocketHandler struct {
	rooms    *RoomUseCase
	messages *MessageUseCase
	conns    *ConnectionManager
	sub      Subscriber

	pingInterval time.Duration
	outbox       int

	mu      sync.RWMutex
	sockets map[string]*chatSocket
	newID   func() string
}

// NewChatWebsocketHandler create ChatWebsocketHandler
func NewChatWebsocketHandler(
	rooms *RoomUseCase,
	messages *MessageUseCase,
	conns *ConnectionManager,
	sub Subscriber,
	pingInterval time.Duration,
	outbox int,
) *ChatWebsocketHandler {
	return &ChatWebsocketHandler{
		rooms:        rooms,
		messages:     messages,
		conns:        conns,
		sub:          sub,
		pingInterval: pingInterval,
		outbox:       outbox,
		sockets:      make(map[string]*chatSocket),
		newID:        func() string { return uuid.New().String() },
	}
}

// Listen 每個 process 一個 PSUBSCRIBE, 收到的事件寫入本機已加入該房間的 socket
func (h *ChatWebsocketHandler) Listen(ctx context.Context) error {
	return h.sub.PSubscribe(ctx, h.dispatch, repository.RoomPattern, repository.TypingPattern)
}

// HandleConnection 是 WebSocket 連線的進入點, 直到連線結束才返回
func (h *ChatWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn, userID, username string) {
	out := wsconn.New(conn, h.outbox)
	go out.Run(h.pingInterval)

	sock := h.attach(Author{UserID: userID, Username: username}, out)
	defer func() {
		h.detach(ctx, sock.id)
		out.Close(websocket.CloseNormalClosure, "")
		<-out.Done()
		logger.Log.Debug("chat websocket closed", zap.String("socketID", sock.id))
	}()

	// pong 也算活動, 只收訊息的 client 不會被 heartbeat 當成 idle
	wsconn.KeepAlive(conn, h.pingInterval, func() { h.conns.Touch(sock.id) })
	wsconn.ReadLoop(conn, func(msg []byte) {
		h.handle(ctx, sock, msg)
	})
}

// Teardown force-removes a socket, used by the heartbeat sweep
func (h *ChatWebsocketHandler) Teardown(socketID string) {
	h.mu.RLock()
	sock, ok := h.sockets[socketID]
	h.mu.RUnlock()

	h.detach(context.Background(), socketID)
	if ok {
		sock.out.Close(websocket.CloseGoingAway, "idle timeout")
	}
}

func (h *ChatWebsocketHandler) attach(author Author, out socketWriter) *chatSocket {
	sock := &chatSocket{id: h.newID(), author: author, out: out}

	h.mu.Lock()
	h.sockets[sock.id] = sock
	h.mu.Unlock()

	h.conns.Connect(sock.id, author.UserID, author.Username)
	logger.Log.Info("chat socket connected", zap.String("socketID", sock.id), zap.String("userID", author.UserID))
	return sock
}

// detach is idempotent: only the first call sees the connection
func (h *ChatWebsocketHandler) detach(ctx context.Context, socketID string) {
	h.mu.Lock()
	delete(h.sockets, socketID)
	h.mu.Unlock()

	conn, lastIn, ok := h.conns.Disconnect(socketID)
	if !ok {
		return
	}
	author := Author{UserID: conn.UserID, Username: conn.Username}
	for _, roomID := range lastIn {
		if err := h.messages.StopTyping(ctx, roomID, author); err != nil {
			logger.Log.Debug("clear typing on disconnect failed", zap.String("roomID", roomID), zap.Error(err))
		}
		h.messages.PublishPresence(ctx, domain.EventUserLeft, roomID, author)
	}
	logger.Log.Info("chat socket disconnected", zap.String("socketID", socketID), zap.String("userID", conn.UserID))
}

func (h *ChatWebsocketHandler) handle(ctx context.Context, sock *chatSocket, raw []byte) {
	var req domain.WSRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.sendError(sock, "Invalid message format")
		return
	}
	if !req.Event.Inbound() {
		h.sendError(sock, "Unknown event")
		return
	}
	h.conns.Touch(sock.id)

	var err error
	switch req.Event {
	case domain.EventCreateChatroom:
		err = h.createChatroom(ctx, sock, req)
	case domain.EventJoinRoom:
		err = h.joinRoom(ctx, sock, req)
	case domain.EventSendMessage:
		err = h.sendMessage(ctx, sock, req)
	case domain.EventTyping:
		err = h.typing(ctx, sock, req, true)
	case domain.EventStopTyping:
		err = h.typing(ctx, sock, req, false)
	case domain.EventLeaveRoom:
		err = h.leaveRoom(ctx, sock, req)
	case domain.EventGetRecentMessages:
		err = h.recentMessages(ctx, sock, req)
	}

	if err != nil {
		if errprocess.KindOf(err) == errprocess.KindInfrastructure {
			logger.Log.Error("chat event failed", zap.String("event", string(req.Event)), zap.Error(err))
		} else {
			logger.Log.Debug("chat event rejected", zap.String("event", string(req.Event)), zap.Error(err))
		}
		h.sendError(sock, errprocess.Message(err))
	}
}

func (h *ChatWebsocketHandler) createChatroom(ctx context.Context, sock *chatSocket, req domain.WSRequest) error {
	room, err := h.rooms.CreateRoom(ctx, sock.author, req.SpaceID, req.Name, req.IsPrivate)
	if err != nil {
		return err
	}
	h.send(sock, domain.EventChatroomCreated, room)
	return nil
}

func (h *ChatWebsocketHandler) joinRoom(ctx context.Context, sock *chatSocket, req domain.WSRequest) error {
	room, err := h.rooms.AuthorizeJoin(ctx, req.RoomID, sock.author.UserID)
	if err != nil {
		return err
	}

	first, err := h.conns.JoinRoom(sock.id, room.ID)
	if err != nil {
		return err
	}

	h.send(sock, domain.EventRoomJoined, domain.RoomJoinedPayload{
		RoomID: room.ID,
		Room:   room,
		Typing: h.messages.Typing(ctx, room.ID),
	})

	recent, err := h.messages.GetRecentMessages(ctx, room.ID, 0)
	if err != nil {
		logger.Log.Warn("replay history failed", zap.String("roomID", room.ID), zap.Error(err))
		recent = []domain.MessageRecord{}
	}
	h.send(sock, domain.EventRecentMessages, domain.RecentMessagesPayload{RoomID: room.ID, Messages: recent})

	if first {
		h.messages.PublishPresence(ctx, domain.EventUserJoined, room.ID, sock.author)
	}
	return nil
}

func (h *ChatWebsocketHandler) sendMessage(ctx context.Context, sock *chatSocket, req domain.WSRequest) error {
	if _, err := h.rooms.CanSend(ctx, req.RoomID, sock.author.UserID); err != nil {
		return err
	}
	_, err := h.messages.SendMessage(ctx, req.RoomID, sock.author, req.Content)
	return err
}

func (h *ChatWebsocketHandler) typing(ctx context.Context, sock *chatSocket, req domain.WSRequest, started bool) error {
	if !h.conns.InRoom(sock.id, req.RoomID) {
		return errprocess.Permission("Join the room first")
	}
	// 加入後才被移出成員名單的使用者不能再廣播 typing
	if _, err := h.rooms.CanSend(ctx, req.RoomID, sock.author.UserID); err != nil {
		return err
	}
	if started {
		return h.messages.SetTyping(ctx, req.RoomID, sock.author)
	}
	return h.messages.StopTyping(ctx, req.RoomID, sock.author)
}

func (h *ChatWebsocketHandler) leaveRoom(ctx context.Context, sock *chatSocket, req domain.WSRequest) error {
	// 其他裝置仍在房間內時不通知
	if !h.conns.LeaveRoom(sock.id, req.RoomID) {
		return nil
	}
	if err := h.messages.StopTyping(ctx, req.RoomID, sock.author); err != nil {
		logger.Log.Debug("clear typing on leave failed", zap.String("roomID", req.RoomID), zap.Error(err))
	}
	h.messages.PublishPresence(ctx, domain.EventUserLeft, req.RoomID, sock.author)
	return nil
}

func (h *ChatWebsocketHandler) recentMessages(ctx context.Context, sock *chatSocket, req domain.WSRequest) error {
	if _, err := h.rooms.CanSend(ctx, req.RoomID, sock.author.UserID); err != nil {
		return err
	}
	recent, err := h.messages.GetRecentMessages(ctx, req.RoomID, req.Limit)
	if err != nil {
		return err
	}
	h.send(sock, domain.EventRecentMessages, domain.RecentMessagesPayload{RoomID: req.RoomID, Messages: recent})
	return nil
}

// dispatch 一則 pub/sub 事件寫入本機房間內的 socket
func (h *ChatWebsocketHandler) dispatch(channel string, payload []byte) {
	roomID, ok := repository.RoomFromChannel(channel)
	if !ok {
		return
	}
	var ev domain.RoomEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		logger.Log.Warn("drop malformed room event", zap.String("channel", channel), zap.Error(err))
		return
	}

	resp := domain.WSResponse{Event: ev.Event, Payload: ev.Payload}
	for _, socketID := range h.conns.SocketsInRoom(roomID) {
		h.mu.RLock()
		sock, ok := h.sockets[socketID]
		h.mu.RUnlock()
		if !ok || (ev.ExcludeUserID != "" && sock.author.UserID == ev.ExcludeUserID) {
			continue
		}
		if err := sock.out.SendJSON(resp); err != nil {
			logger.Log.Debug("deliver room event failed", zap.String("socketID", socketID), zap.Error(err))
		}
	}
}

func (h *ChatWebsocketHandler) send(sock *chatSocket, event domain.EventType, payload interface{}) {
	if err := sock.out.SendJSON(domain.WSResponse{Event: event, Payload: payload}); err != nil {
		logger.Log.Debug("send failed", zap.String("socketID", sock.id), zap.String("event", string(event)), zap.Error(err))
	}
}

func (h *ChatWebsocketHandler) sendError(sock *chatSocket, msg string) {
	h.send(sock, domain.EventError, domain.ErrorPayload{Message: msg})
}
