package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Event names are the wire contract with the server.
const (
	EventRegisterUser   = "register_user"
	EventUserLogout     = "user_logout"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventUsersUpdate    = "users_update"
)

// Frame is the envelope of every websocket text message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload and wraps it into a frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("frame: empty event name")
	}
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "frame: marshal %s payload", event)
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// DecodeFrame parses one inbound text message.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(err, "frame: decode")
	}
	if f.Event == "" {
		return Frame{}, errors.New("frame: missing event name")
	}
	return f, nil
}
