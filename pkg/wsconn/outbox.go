package wsconn

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"virtual_space_service/pkg/logger"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// ErrClosed write on a closed socket
var ErrClosed = errors.New("socket closed")

const writeWait = 5 * time.Second

// Outbox non blocking queue in front of a socket. A single writer goroutine
// (Run) owns every write, so callers holding locks never block on the network.
type Outbox struct {
	conn *websocket.Conn
	out  chan []byte

	open      atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	closeCode   int
	closeReason string
}

// New create an Outbox with size queued frames
func New(conn *websocket.Conn, size int) *Outbox {
	if size <= 0 {
		size = 256
	}
	o := &Outbox{
		conn:    conn,
		out:     make(chan []byte, size),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	o.open.Store(true)
	return o
}

// SendJSON marshal v and queue it
func (o *Outbox) SendJSON(v interface{}) error {
	if !o.open.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return o.Write(b)
}

// Write queues b; a full queue closes the socket as a slow consumer
func (o *Outbox) Write(b []byte) error {
	if !o.open.Load() {
		return ErrClosed
	}
	select {
	case o.out <- b:
		return nil
	default:
		logger.Log.Warn("outbox full, closing slow consumer", zap.String("remote", o.conn.RemoteAddr().String()))
		o.Close(websocket.ClosePolicyViolation, "slow consumer")
		return ErrClosed
	}
}

func (o *Outbox) IsOpen() bool {
	return o.open.Load()
}

// Close is idempotent, the writer sends the close frame
func (o *Outbox) Close(code int, reason string) {
	o.closeOnce.Do(func() {
		o.closeCode = code
		o.closeReason = reason
		o.open.Store(false)
		close(o.closing)
	})
}

// Done is closed once the writer has exited and the socket is closed
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Run is the writer loop, it also sends a ping every pingInterval (0 disables)
func (o *Outbox) Run(pingInterval time.Duration) {
	defer close(o.done)

	var ping <-chan time.Time
	if pingInterval > 0 {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case b := <-o.out:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Log.Debug("websocket write error", zap.Error(err))
				o.open.Store(false)
				o.conn.Close()
				return
			}
		case <-ping:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Log.Debug("ping error", zap.Error(err))
				o.open.Store(false)
				o.conn.Close()
				return
			}
		case <-o.closing:
			o.flush()
			_ = o.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(o.closeCode, o.closeReason),
				time.Now().Add(time.Second))
			o.conn.Close()
			return
		}
	}
}

// flush writes what is already queued, e.g. the last event sent right before a close
func (o *Outbox) flush() {
	for {
		select {
		case b := <-o.out:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

// KeepAlive 設定 read deadline, server發出ping之後client連線正常會回pong.
// onPong (可為 nil) 在每次收到 pong 時呼叫, 讓只收不送的 client 也算活著
func KeepAlive(conn *websocket.Conn, pingInterval time.Duration, onPong func()) {
	if pingInterval <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	conn.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
}

// ReadLoop calls handle for every text frame until the socket fails
func ReadLoop(conn *websocket.Conn, handle func(msg []byte)) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		handle(msg)
	}
}
