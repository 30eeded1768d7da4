package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP offers with many
	// m-lines can get large.
	maxMessageSize = 64 * 1024

	// Outbound messages buffered per client before it is dropped as too slow.
	sendBufferSize = 256
)

// Compile-time interface check.
var _ conference.Notifier = (*Client)(nil)

// Client is a single browser connection.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	codec Codec
	log   *slog.Logger

	// send buffers outbound messages for WritePump.
	send      chan Outbound
	done      chan struct{}
	closeOnce sync.Once

	// tasks tracks negotiations running outside the read loop.
	tasks sync.WaitGroup

	mu          sync.Mutex
	participant *conference.Participant
	room        *conference.Room
}

// NewClient wraps an upgraded connection. The codec is chosen from the
// negotiated subprotocol.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := newClient(hub, CodecFor(conn.Subprotocol()))
	c.conn = conn
	c.log = c.log.With("remote", conn.RemoteAddr().String())
	return c
}

func newClient(hub *Hub, codec Codec) *Client {
	return &Client{
		hub:   hub,
		codec: codec,
		log:   hub.log.With("codec", codec.Name()),
		send:  make(chan Outbound, sendBufferSize),
		done:  make(chan struct{}),
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. When the
// connection ends, ReadPump waits for in-flight negotiations and then removes
// the client's participant from its room.
func (c *Client) ReadPump() {
	defer c.finish()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}

		var env Envelope
		if err := c.codec.Unmarshal(data, &env); err != nil {
			c.reject("", invalid("", err.Error()))
			continue
		}

		c.hub.dispatch(c, &env)
	}
}

// finish runs once the connection stops reading: in-flight negotiations
// complete, then the participant leaves its room.
func (c *Client) finish() {
	c.tasks.Wait()
	c.hub.disconnect(c)
	c.Close()
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. All writes to
// the connection happen here.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			frameType, data, err := c.codec.Marshal(msg)
			if err != nil {
				c.log.Error("encode failed", "kind", msg.outbound(), "err", err)
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frameType, data); err != nil {
				c.log.Warn("write failed", "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg for delivery. A client whose buffer is full is closed
// rather than allowed to stall the room.
func (c *Client) Send(msg Outbound) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, closing", "kind", msg.outbound())
		c.Close()
	}
}

// Close stops the client's write loop. The read loop then ends and the
// participant is cleaned up.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) reject(req Kind, err error) {
	c.Send(ErrorMessage{
		Kind:    KindError,
		Error:   KindOf(err),
		Message: err.Error(),
		Request: req,
	})
}

func (c *Client) session() (*conference.Participant, *conference.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant, c.room
}

func (c *Client) setSession(p *conference.Participant, room *conference.Room) {
	c.mu.Lock()
	c.participant = p
	c.room = room
	c.mu.Unlock()
}

// ExistingParticipants implements conference.Notifier.
func (c *Client) ExistingParticipants(self string, users []conference.UserInfo) {
	c.Send(ExistingParticipants{Kind: KindExistingParticipants, UserID: self, ExistingUsers: users})
}

// ParticipantArrived implements conference.Notifier.
func (c *Client) ParticipantArrived(user conference.UserInfo) {
	c.Send(NewParticipantArrived{Kind: KindNewParticipantArrived, UserID: user.ID, UserName: user.Name})
}

// ParticipantLeft implements conference.Notifier.
func (c *Client) ParticipantLeft(id string) {
	c.Send(ParticipantLeft{Kind: KindParticipantLeft, UserID: id})
}

// VideoAnswer implements conference.Notifier.
func (c *Client) VideoAnswer(senderID, sdpAnswer string) {
	c.Send(ReceiveVideoAnswer{Kind: KindReceiveVideoAnswer, SenderID: senderID, SDPAnswer: sdpAnswer})
}

// Candidate implements conference.Notifier.
func (c *Client) Candidate(userID string, cand engine.Candidate) {
	c.Send(CandidateFound{Kind: KindCandidate, UserID: userID, Candidate: cand})
}
