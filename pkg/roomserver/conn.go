package roomserver

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/steprooms/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxFrameSize = 64 * 1024
)

// participant is one websocket connection inside a room. Frames are queued on send and written
// by writePump, so a slow peer never holds up the room.
type participant struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newParticipant(id string, conn *websocket.Conn, buffer int) *participant {
	return &participant{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (p *participant) ID() string {
	return p.id
}

// Send queues frame without blocking. A full queue or a closed connection drops the frame.
func (p *participant) Send(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *participant) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *participant) writePump() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	defer p.Close()
	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("failed to write message", "peer", p.id, "err", err)
				return
			}
		case <-t.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("failed to ping", "peer", p.id, "err", err)
				return
			}
		case <-p.done:
			return
		}
	}
}

// readPump decodes incoming frames and hands them to the room until the connection fails.
func (p *participant) readPump(rm *room, limiter *rate.Limiter) {
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, raw, err := p.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				slog.Debug("failed to read message", "peer", p.id, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			slog.Debug("rate limited", "room", rm.id, "peer", p.id)
			continue
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			slog.Debug("dropped malformed frame", "room", rm.id, "peer", p.id, "err", err)
			continue
		}
		rm.handle(p, msg)
	}
}
