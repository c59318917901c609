package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-echo/pkg/audio"
	"github.com/teslashibe/go-echo/pkg/codec"
)

const wsWriteWait = 10 * time.Second

// wsMessage is a telephony-style media stream event. Clients send start,
// media and stop; the server sends media, mark and error.
type wsMessage struct {
	Event       string   `json:"event"`
	WebsocketID string   `json:"websocket_id,omitempty"`
	StreamSID   string   `json:"streamSid,omitempty"`
	Start       *wsStart `json:"start,omitempty"`
	Media       *wsMedia `json:"media,omitempty"`
	Mark        *wsMark  `json:"mark,omitempty"`
	Message     string   `json:"message,omitempty"`
}

type wsStart struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
}

type wsMedia struct {
	// Payload is base64 μ-law audio at 8 kHz.
	Payload string `json:"payload"`
}

type wsMark struct {
	Name string `json:"name"`
}

// sessionID picks the client supplied id from a start event.
func (m *wsMessage) sessionID() string {
	switch {
	case m.WebsocketID != "":
		return m.WebsocketID
	case m.Start != nil && m.Start.StreamSID != "":
		return m.Start.StreamSID
	default:
		return m.StreamSID
	}
}

// wsPeer serializes writes to one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	sid     string
	onFrame func()
}

func (p *wsPeer) send(msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) sendError(message string) {
	_ = p.send(wsMessage{Event: "error", Message: message})
}

// write sends reply audio as 20 ms μ-law frames followed by a mark.
func (p *wsPeer) write(ctx context.Context, seg audio.Segment) error {
	for _, frame := range codec.MuLawFrames(seg) {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.send(wsMessage{
			Event:     "media",
			StreamSID: p.sid,
			Media:     &wsMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
		})
		if err != nil {
			return err
		}
		if p.onFrame != nil {
			p.onFrame()
		}
	}
	return p.send(wsMessage{Event: "mark", StreamSID: p.sid, Mark: &wsMark{Name: "reply"}})
}

// handleWebsocket runs the media stream protocol for one connection.
func (s *Stream) handleWebsocket(conn *websocket.Conn) {
	peer := &wsPeer{conn: conn}
	var sess *session
	defer func() {
		if sess != nil {
			sess.close("websocket_closed")
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			peer.sendError("invalid message")
			continue
		}

		switch msg.Event {
		case "start":
			if sess != nil {
				peer.sendError("already started")
				continue
			}
			sess, err = s.openSession(msg.sessionID(), TransportWebsocket)
			if errors.Is(err, ErrConcurrencyLimit) {
				peer.sendError("concurrency_limit_reached")
				return
			}
			if err != nil {
				peer.sendError(err.Error())
				return
			}
			peer.sid = sess.id
			peer.onFrame = s.frameOut(sess)
			sess.onClose(func() { conn.Close() })
			sess.start(peer.write)

		case "media":
			if sess == nil {
				peer.sendError("media before start")
				continue
			}
			if msg.Media == nil {
				peer.sendError("missing media payload")
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				peer.sendError("invalid media payload")
				continue
			}
			sess.receive(codec.DecodeMuLaw(payload))

		case "stop":
			return

		case "mark", "connected":
			// Acknowledgements from telephony clients.

		default:
			peer.sendError("unknown event " + msg.Event)
		}
	}
}
