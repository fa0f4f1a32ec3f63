package protocol_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// view flattens a Message into comparable fields.
type view struct {
	Type     protocol.Type
	Username string
	Sender   string
	Text     string
	Users    []string
	Success  bool
	Reason   string
}

func viewOf(m *protocol.Message) view {
	v := view{Type: m.Type(), Reason: m.Reason()}
	v.Username, _ = m.Username()
	v.Sender, _ = m.Sender()
	v.Text, _ = m.Text()
	v.Users, _ = m.Users()
	v.Success, _ = m.Success()
	return v
}

func TestParseRecognizedTypes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want view
	}{
		{
			name: "login",
			raw:  `{"type":"login","username":"alice"}`,
			want: view{Type: protocol.TypeLogin, Username: "alice"},
		},
		{
			name: "login ack with reason",
			raw:  `{"type":"login","success":false,"reason":"taken"}`,
			want: view{Type: protocol.TypeLogin, Reason: "taken"},
		},
		{
			name: "chat without sender",
			raw:  `{"type":"message","text":"hi"}`,
			want: view{Type: protocol.TypeChat, Text: "hi"},
		},
		{
			name: "user list",
			raw:  `{"type":"user_list","users":["alice","bob"]}`,
			want: view{Type: protocol.TypeUserList, Users: []string{"alice", "bob"}},
		},
		{
			name: "extra fields ignored",
			raw:  `{"type":"user_left","username":"bob","color":"red"}`,
			want: view{Type: protocol.TypeUserLeft, Username: "bob"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := protocol.Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.True(t, m.Known())
			if diff := cmp.Diff(tt.want, viewOf(m)); diff != "" {
				t.Errorf("Parse(%s) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	inputs := []string{
		``,
		`not json`,
		`[1,2,3]`,
		`"login"`,
		`null`,
		`{}`,
		`{"type":""}`,
		`{"type":42}`,
		`{"type":"user_list","users":"alice"}`,
		`{"type":"login","username":"alice"`,
	}

	for _, raw := range inputs {
		_, err := protocol.Parse([]byte(raw))
		assert.ErrorIsf(t, err, protocol.ErrMalformedMessage, "input %q", raw)
	}
}

func TestParseUnknownTypeIsPreserved(t *testing.T) {
	m, err := protocol.Parse([]byte(`{"type":"typing","username":"alice"}`))
	require.NoError(t, err)
	assert.False(t, m.Known())
	assert.Equal(t, protocol.Type("typing"), m.Type())
	assert.False(t, m.IsLogin())
}

func TestAccessorsReportMissingFields(t *testing.T) {
	m, err := protocol.Parse([]byte(`{"type":"message"}`))
	require.NoError(t, err)

	_, err = m.Text()
	require.ErrorIs(t, err, protocol.ErrMissingField)
	assert.Contains(t, err.Error(), "text")

	_, err = m.Sender()
	assert.ErrorIs(t, err, protocol.ErrMissingField)
	_, err = m.Users()
	assert.ErrorIs(t, err, protocol.ErrMissingField)
	_, err = m.Success()
	assert.ErrorIs(t, err, protocol.ErrMissingField)
}

func TestIsLogin(t *testing.T) {
	assert.True(t, protocol.NewLogin("alice").IsLogin())
	assert.False(t, protocol.NewLoginAck(true, "").IsLogin())
	assert.True(t, protocol.NewLoginAck(true, "").IsLoginAck())
	assert.False(t, protocol.NewChat("alice", "hi").IsLogin())

	m, err := protocol.Parse([]byte(`{"type":"login"}`))
	require.NoError(t, err)
	assert.False(t, m.IsLogin(), "login without username is not a usable login")
}

func TestEncodeIsCanonical(t *testing.T) {
	tests := []struct {
		msg  *protocol.Message
		want string
	}{
		{protocol.NewLoginAck(true, ""), `{"type":"login","success":true}`},
		{protocol.NewLoginAck(false, "username taken"), `{"type":"login","success":false,"reason":"username taken"}`},
		{protocol.NewChat("alice", "hi"), `{"type":"message","sender":"alice","text":"hi"}`},
		{protocol.NewChat("alice", ""), `{"type":"message","sender":"alice","text":""}`},
		{protocol.NewUserJoined("bob"), `{"type":"user_joined","username":"bob"}`},
		{protocol.NewUserLeft("bob"), `{"type":"user_left","username":"bob"}`},
		{protocol.NewUserList(nil), `{"type":"user_list","users":[]}`},
		{protocol.NewUserList([]string{"a", "b"}), `{"type":"user_list","users":["a","b"]}`},
	}

	for _, tt := range tests {
		got, err := protocol.Encode(tt.msg)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(got))
		assert.Equal(t, tt.want, string(got), "key order must be canonical")
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	msgs := []*protocol.Message{
		protocol.NewLogin("alice"),
		protocol.NewLoginAck(false, "nope"),
		protocol.NewChat("bob", "héllo \"world\"\n"),
		protocol.NewUserJoined("carol"),
		protocol.NewUserLeft("carol"),
		protocol.NewUserList([]string{"alice", "bob"}),
		protocol.NewUserList(nil),
	}

	for _, m := range msgs {
		data, err := protocol.Encode(m)
		require.NoError(t, err)
		parsed, err := protocol.Parse(data)
		require.NoError(t, err)
		if diff := cmp.Diff(viewOf(m), viewOf(parsed)); diff != "" {
			t.Errorf("round trip of %s mismatch (-want +got):\n%s", data, diff)
		}

		again, err := protocol.Encode(parsed)
		require.NoError(t, err)
		assert.Equal(t, string(data), string(again))
	}
}

func TestUsersReturnsCopy(t *testing.T) {
	src := []string{"alice"}
	m := protocol.NewUserList(src)
	src[0] = "mallory"

	users, err := m.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	users[0] = "eve"
	again, _ := m.Users()
	assert.Equal(t, []string{"alice"}, again)
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"plain", "alice", true},
		{"unicode", "Zoë", true},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"control", "al\x00ice", false},
		{"newline", "alice\n", false},
		{"at limit", "abcdefgh", true},
		{"over limit", "abcdefghi", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := protocol.ValidateUsername(tt.input, 8)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, protocol.ErrInvalidUsername), "got %v", err)
		})
	}
}
