// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, stats, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WebSocketHandler validates that the request uses GET, upgrades it to a
// WebSocket and runs the chat session on the request goroutine.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("WebSocket upgrade failed", "remote", r.RemoteAddr, "err", err.Error())
		return
	}

	s.serveConnection(conn)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "relaychat server is running!")
}

// Stats is the payload served on /stats.
type Stats struct {
	Connections int            `json:"connections"`
	Registered  int            `json:"registered"`
	Users       []string       `json:"users"`
	Sessions    []SessionStats `json:"sessions"`
}

// SessionStats describes one live connection. Username is empty while the
// client has not logged in.
type SessionStats struct {
	ID       uint64 `json:"id"`
	Session  string `json:"session"`
	Username string `json:"username,omitempty"`
}

// StatsHandler reports live connection counts and the logged-in users.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	users := s.registry.Usernames()
	stats := Stats{
		Registered: len(users),
		Users:      users,
		Sessions:   []SessionStats{},
	}
	for _, id := range s.sessions.ids() {
		// The connection may have been released since ids returned.
		c, ok := s.Lookup(id)
		if !ok {
			continue
		}
		stats.Sessions = append(stats.Sessions, SessionStats{
			ID:       c.ID(),
			Session:  c.Session(),
			Username: c.Username(),
		})
	}
	stats.Connections = len(stats.Sessions)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.log.Error(err, "Error writing stats response")
	}
}

// TestPageHandler serves an HTML page that logs in over the WebSocket
// endpoint and shows the chat traffic.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Error(err, "Error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>relaychat test client</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; }
        .notice { color: gray; font-style: italic; }
        .error { color: #a00; }
    </style>
</head>
<body>
    <h1>relaychat</h1>
    <div>
        <input type="text" id="username" placeholder="Username">
        <button id="login" onclick="login()">Log in</button>
    </div>
    <div id="users">Online users: none</div>
    <div id="log"></div>
    <div>
        <input type="text" id="text" placeholder="Type a message..." disabled>
        <button id="send" onclick="send()" disabled>Send</button>
    </div>
    <script>
        let ws = null;
        let users = [];
        const logDiv = document.getElementById('log');

        function show(text, cls) {
            const el = document.createElement('div');
            if (cls) el.className = cls;
            el.textContent = text;
            logDiv.appendChild(el);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function renderUsers() {
            document.getElementById('users').textContent =
                'Online users: ' + (users.length ? users.join(', ') : 'none');
        }

        function setLoggedIn(on) {
            document.getElementById('text').disabled = !on;
            document.getElementById('send').disabled = !on;
        }

        function login() {
            const name = document.getElementById('username').value.trim();
            if (!name) return;
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
                ws = new WebSocket(scheme + location.host + '/ws');
                ws.onopen = () => ws.send(JSON.stringify({type: 'login', username: name}));
                ws.onmessage = (event) => handle(JSON.parse(event.data));
                ws.onclose = () => { show('Connection closed', 'notice'); setLoggedIn(false); users = []; renderUsers(); };
                return;
            }
            ws.send(JSON.stringify({type: 'login', username: name}));
        }

        function handle(msg) {
            switch (msg.type) {
            case 'login':
                if (msg.success) { show('Logged in', 'notice'); setLoggedIn(true); }
                else { show('Login failed: ' + (msg.reason || 'unknown reason'), 'error'); }
                break;
            case 'message':
                show(msg.sender + ': ' + msg.text);
                break;
            case 'user_list':
                users = msg.users; renderUsers();
                break;
            case 'user_joined':
                show(msg.username + ' joined', 'notice');
                users.push(msg.username); renderUsers();
                break;
            case 'user_left':
                show(msg.username + ' left', 'notice');
                users = users.filter(u => u !== msg.username); renderUsers();
                break;
            }
        }

        function send() {
            const input = document.getElementById('text');
            const text = input.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: 'message', text: text}));
                input.value = '';
            }
        }

        document.getElementById('text').addEventListener('keypress', (e) => {
            if (e.key === 'Enter') send();
        });
    </script>
</body>
</html>`
