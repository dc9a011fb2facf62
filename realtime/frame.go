package realtime

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with the messaging backend.
const (
	FrameConnect    = "connect"
	FrameWatch      = "channel.watch"
	FrameSend       = "message.send"
	FrameDisconnect = "disconnect"
	FrameAck        = "ack"
	FrameError      = "error"
	FrameMessageNew = "message.new"
)

// Frame is the envelope of every websocket message.
// Replies carry the request_id of the frame they answer.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ConnectPayload struct {
	APIKey string `json:"api_key"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Image  string `json:"image,omitempty"`
	Token  string `json:"token"`
}

type WatchPayload struct {
	Channel string   `json:"channel"`
	Type    string   `json:"channel_type"`
	Members []string `json:"members"`
}

type SendPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Lang    string `json:"lang,omitempty"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is a chat message pushed by the backend on a watched channel.
type Message struct {
	Channel string    `json:"channel"`
	UserID  string    `json:"user_id"`
	Text    string    `json:"text"`
	Lang    string    `json:"lang,omitempty"`
	At      time.Time `json:"created_at"`
}

func newFrame(frameType, requestID string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, RequestID: requestID}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	frame.Payload = raw
	return frame, nil
}
