package realtime

import (
	"context"
	"fmt"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// MessageHandler receives the messages pushed on watched channels.
// It is called from the read goroutine and must not block.
type MessageHandler func(identity conversation.Identity, message Message)

// Client is the websocket implementation of the messaging backend SDK.
// Each Connect dials a dedicated socket authenticated for one identity.
type Client struct {
	log       *slog.Logger
	url       string
	apiKey    string
	dialer    *websocket.Dialer
	onMessage MessageHandler
}

func NewClient(log *slog.Logger, url, apiKey string) *Client {
	return &Client{
		log:    log,
		url:    url,
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: writeTimeout},
	}
}

// WithMessageHandler registers the callback for pushed messages.
func (c *Client) WithMessageHandler(handler MessageHandler) *Client {
	c.onMessage = handler
	return c
}

// Connect dials the backend and authenticates identity with credential.
// The connection is returned only once the backend acknowledged it.
func (c *Client) Connect(ctx context.Context, identity conversation.Identity,
	credential conversation.Credential) (contract.IConnection, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	conn := newConnection(c.log, ws, identity, c.onMessage)
	go conn.readLoop()
	go conn.pingLoop(pingInterval)

	err = conn.request(ctx, FrameConnect, ConnectPayload{
		APIKey: c.apiKey,
		UserID: identity.ID,
		Name:   identity.Name,
		Image:  identity.Image,
		Token:  credential.Token,
	})
	if err != nil {
		conn.close()
		return nil, err
	}
	c.log.Debug("Backend connection acknowledged", "identity", identity.ID)
	return conn, nil
}

// Disconnect says goodbye to the backend and closes the socket.
func (c *Client) Disconnect(ctx context.Context, conn contract.IConnection) error {
	wsConn, ok := conn.(*Connection)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", conn)
	}
	return wsConn.shutdown(ctx)
}
