// Package protocol defines the JSON envelope exchanged between chat clients
// and the server, along with its parser and canonical encoder.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// Type identifies the kind of an envelope on the wire.
type Type string

// Wire types understood by the server.
const (
	TypeLogin      Type = "login"
	TypeChat       Type = "message"
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
	TypeUserList   Type = "user_list"
)

var (
	// ErrMalformedMessage is returned when a frame is not a JSON object with a string type.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMissingField is returned by accessors when the requested field is absent.
	ErrMissingField = errors.New("missing field")
	// ErrInvalidUsername is returned by ValidateUsername.
	ErrInvalidUsername = errors.New("invalid username")
)

// Message is an immutable chat envelope. A single *Message is shared by every
// recipient of a broadcast, so nothing may modify it after construction.
type Message struct {
	typ      Type
	username *string
	sender   *string
	text     *string
	users    []string
	hasUsers bool
	success  *bool
	reason   *string

	encodeOnce sync.Once
	encoded    []byte
	encodeErr  error
}

func strPtr(s string) *string { return &s }

// NewLogin builds a client login request.
func NewLogin(username string) *Message {
	return &Message{typ: TypeLogin, username: strPtr(username)}
}

// NewLoginAck builds the server's answer to a login request. The reason is
// only emitted when non-empty.
func NewLoginAck(success bool, reason string) *Message {
	m := &Message{typ: TypeLogin, success: &success}
	if reason != "" {
		m.reason = strPtr(reason)
	}
	return m
}

// NewChat builds a chat message attributed to sender.
func NewChat(sender, text string) *Message {
	return &Message{typ: TypeChat, sender: strPtr(sender), text: strPtr(text)}
}

// NewUserJoined builds the notice broadcast when a user completes login.
func NewUserJoined(username string) *Message {
	return &Message{typ: TypeUserJoined, username: strPtr(username)}
}

// NewUserLeft builds the notice broadcast when a registered user disconnects.
func NewUserLeft(username string) *Message {
	return &Message{typ: TypeUserLeft, username: strPtr(username)}
}

// NewUserList builds the list of online users sent to a freshly logged in client.
func NewUserList(users []string) *Message {
	return &Message{typ: TypeUserList, users: append([]string{}, users...), hasUsers: true}
}

// Type returns the envelope type as received or constructed.
func (m *Message) Type() Type { return m.typ }

// Known reports whether the type is one the server handles.
func (m *Message) Known() bool {
	switch m.typ {
	case TypeLogin, TypeChat, TypeUserJoined, TypeUserLeft, TypeUserList:
		return true
	}
	return false
}

// IsLogin reports whether m is a login request carrying a username.
func (m *Message) IsLogin() bool {
	return m.typ == TypeLogin && m.username != nil
}

// IsLoginAck reports whether m is a login response.
func (m *Message) IsLoginAck() bool {
	return m.typ == TypeLogin && m.success != nil
}

// IsChat reports whether m is a chat message.
func (m *Message) IsChat() bool { return m.typ == TypeChat }

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// Username returns the username of a login, user_joined or user_left envelope.
func (m *Message) Username() (string, error) {
	if m.username == nil {
		return "", missing("username")
	}
	return *m.username, nil
}

// Sender returns the sender of a chat message.
func (m *Message) Sender() (string, error) {
	if m.sender == nil {
		return "", missing("sender")
	}
	return *m.sender, nil
}

// Text returns the body of a chat message.
func (m *Message) Text() (string, error) {
	if m.text == nil {
		return "", missing("text")
	}
	return *m.text, nil
}

// Users returns a copy of the user list.
func (m *Message) Users() ([]string, error) {
	if !m.hasUsers {
		return nil, missing("users")
	}
	return append([]string{}, m.users...), nil
}

// Success returns the outcome carried by a login ack.
func (m *Message) Success() (bool, error) {
	if m.success == nil {
		return false, missing("success")
	}
	return *m.success, nil
}

// Reason returns the optional failure reason of a login ack, or "".
func (m *Message) Reason() string {
	if m.reason == nil {
		return ""
	}
	return *m.reason
}

// ValidateUsername checks that a requested username can be displayed to other
// users. maxLen <= 0 disables the length check.
func ValidateUsername(name string, maxLen int) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if maxLen > 0 && len([]rune(name)) > maxLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidUsername, maxLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidUsername)
		}
	}
	return nil
}
