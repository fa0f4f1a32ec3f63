package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire shape. Field order fixes the canonical key order and
// pointers distinguish absent fields from zero values.
type envelope struct {
	Type     *string   `json:"type"`
	Username *string   `json:"username,omitempty"`
	Sender   *string   `json:"sender,omitempty"`
	Text     *string   `json:"text,omitempty"`
	Users    *[]string `json:"users,omitempty"`
	Success  *bool     `json:"success,omitempty"`
	Reason   *string   `json:"reason,omitempty"`
}

// Parse decodes a single text frame. It fails with ErrMalformedMessage when
// the frame is not a JSON object or carries no string "type". Unknown types
// are returned as-is; callers use Known to filter them.
func Parse(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, fmt.Errorf("%w: no type field", ErrMalformedMessage)
	}

	m := &Message{
		typ:      Type(*env.Type),
		username: env.Username,
		sender:   env.Sender,
		text:     env.Text,
		success:  env.Success,
		reason:   env.Reason,
	}
	if env.Users != nil {
		m.users = append([]string{}, (*env.Users)...)
		m.hasUsers = true
	}
	return m, nil
}

// Encode returns the canonical JSON form of m. The result is computed once per
// message and shared, so callers must not modify the returned slice.
func Encode(m *Message) ([]byte, error) {
	m.encodeOnce.Do(func() {
		typ := string(m.typ)
		env := envelope{
			Type:     &typ,
			Username: m.username,
			Sender:   m.sender,
			Text:     m.text,
			Success:  m.success,
			Reason:   m.reason,
		}
		if m.hasUsers {
			users := m.users
			if users == nil {
				users = []string{}
			}
			env.Users = &users
		}
		m.encoded, m.encodeErr = json.Marshal(env)
	})
	return m.encoded, m.encodeErr
}
