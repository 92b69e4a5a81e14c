package chat

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

// ErrMalformed marks an inbound payload that is missing required fields.
var ErrMalformed = errors.New("malformed event payload")

// ValidateMessage checks the required fields of a message. Text made only of
// whitespace counts as missing.
func ValidateMessage(m Message) error {
	if err := validate.Struct(m); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	if IsBlank(m.Message) || IsBlank(m.Sender) || IsBlank(m.Receiver) {
		return errors.Wrap(ErrMalformed, "blank message field")
	}
	return nil
}

// DecodeMessage parses and validates a message payload.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	if len(raw) == 0 {
		return Message{}, errors.Wrap(ErrMalformed, "empty message payload")
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if err := ValidateMessage(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodeUsers parses a roster snapshot. A payload that is not a JSON array is
// malformed; individual entries without a username are skipped.
func DecodeUsers(raw json.RawMessage) ([]PeerUser, error) {
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty users payload")
	}
	var users []PeerUser
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	out := make([]PeerUser, 0, len(users))
	for _, u := range users {
		u.Username = strings.TrimSpace(u.Username)
		if err := validate.Struct(u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// DecodeUsername parses the payload of register_user and user_logout, a bare
// JSON string.
func DecodeUsername(raw json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}
	name = NormalizeName(name)
	if name == "" {
		return "", errors.Wrap(ErrMalformed, "blank username")
	}
	return name, nil
}
