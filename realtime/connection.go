package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"lingo-chat/errors"
	"log/slog"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one authenticated socket. Requests are matched to their
// replies by request id, pushed messages go to the handler.
type Connection struct {
	log      *slog.Logger
	ws       *websocket.Conn
	identity conversation.Identity
	handler  MessageHandler

	writeMu sync.Mutex // serialises data frames, control frames are safe on their own

	mu      sync.Mutex
	pending map[string]chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(log *slog.Logger, ws *websocket.Conn,
	identity conversation.Identity, handler MessageHandler) *Connection {
	return &Connection{
		log:      log.With("identity", identity.ID),
		ws:       ws,
		identity: identity,
		handler:  handler,
		pending:  make(map[string]chan Frame),
		done:     make(chan struct{}),
	}
}

// Channel returns a handle on key. Nothing is sent before Watch.
func (c *Connection) Channel(key conversation.ChannelKey, members []string) (contract.IChannel, error) {
	if c.closed() {
		return nil, errors.ErrNotConnected
	}
	return &Channel{conn: c, key: key, members: members}, nil
}

// request sends one frame and waits for its ack.
// An error reply becomes ErrBackendRejected.
func (c *Connection) request(ctx context.Context, frameType string, payload any) error {
	if c.closed() {
		return errors.ErrNotConnected
	}

	requestID := uuid.NewString()
	frame, err := newFrame(frameType, requestID, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", frameType, err)
	}

	reply := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err = c.write(frame); err != nil {
		return fmt.Errorf("write %s: %w", frameType, err)
	}

	select {
	case r := <-reply:
		if r.Type == FrameError {
			return rejection(frameType, r.Payload)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.ErrNotConnected
	}
}

func (c *Connection) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (c *Connection) readLoop() {
	defer c.close()

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed() {
				c.log.Debug("Backend socket closed", "error", err)
			}
			return
		}

		var frame Frame
		if err = json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("Skipping malformed frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(frame Frame) {
	switch frame.Type {
	case FrameAck, FrameError:
		c.mu.Lock()
		reply, ok := c.pending[frame.RequestID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("Reply without pending request", "request_id", frame.RequestID)
			return
		}
		select {
		case reply <- frame:
		default:
			c.log.Debug("Duplicate reply dropped", "request_id", frame.RequestID)
		}
	case FrameMessageNew:
		if c.handler == nil {
			return
		}
		var message Message
		if err := json.Unmarshal(frame.Payload, &message); err != nil {
			c.log.Warn("Skipping malformed message", "error", err)
			return
		}
		c.handler(c.identity, message)
	default:
		c.log.Debug("Ignoring frame", "type", frame.Type)
	}
}

func (c *Connection) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("Ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// shutdown sends the disconnect frame and a close message, then drops the socket.
// The socket is closed even when the goodbye cannot be sent.
func (c *Connection) shutdown(ctx context.Context) error {
	if c.closed() {
		return nil
	}
	defer c.close()

	frame, err := newFrame(FrameDisconnect, uuid.NewString(), nil)
	if err != nil {
		return err
	}
	if err = c.write(frame); err != nil {
		return fmt.Errorf("write %s: %w", FrameDisconnect, err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err = c.ws.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
		return fmt.Errorf("write close: %w", err)
	}
	return nil
}

// Done is closed when the socket is gone, after Disconnect or a read or ping failure.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func rejection(frameType string, payload json.RawMessage) error {
	var reason ErrorPayload
	if err := json.Unmarshal(payload, &reason); err != nil || reason.Message == "" {
		return fmt.Errorf("%w: %s", errors.ErrBackendRejected, frameType)
	}
	return fmt.Errorf("%w: %s: %s", errors.ErrBackendRejected, frameType, reason.Message)
}

// Channel is a handle on one two-party conversation of a Connection.
type Channel struct {
	conn    *Connection
	key     conversation.ChannelKey
	members []string
}

// Watch creates the channel backend side if needed and subscribes to it.
func (ch *Channel) Watch(ctx context.Context) error {
	return ch.conn.request(ctx, FrameWatch, WatchPayload{
		Channel: ch.key.String(),
		Type:    conversation.ChannelType,
		Members: ch.members,
	})
}

// SendMessage posts text, tagged with its detected language.
func (ch *Channel) SendMessage(ctx context.Context, text string) error {
	info := whatlanggo.Detect(text)
	return ch.conn.request(ctx, FrameSend, SendPayload{
		Channel: ch.key.String(),
		Text:    text,
		Lang:    info.Lang.Iso6391(),
	})
}
