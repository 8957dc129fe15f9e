// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, presence lookups, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/delivery"
	"github.com/Tyrowin/gochat-relay/internal/presence"
)

// PresenceLookup reads the derived presence view.
type PresenceLookup interface {
	Lookup(userID string) (presence.Record, bool)
}

// Gateway exposes the coordinator over HTTP.
type Gateway struct {
	coord    *delivery.Coordinator
	presence PresenceLookup
	upgrader websocket.Upgrader
	logger   *zap.Logger
	testPage bool
}

// NewGateway creates the HTTP front of a coordinator. presence may be nil.
func NewGateway(coord *delivery.Coordinator, lookup PresenceLookup, cfg ServerConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Gateway{
		coord:    coord,
		presence: lookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		logger:   logger,
		testPage: cfg.TestPage,
	}
}

// WebSocketHandler upgrades the request and runs the session until it closes.
// Credentials are checked by the coordinator after the upgrade so that a
// refused client receives close code 4001 instead of an HTTP error.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	credential, _ := auth.CredentialFromRequest(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	g.coord.Serve(conn, credential, r.RemoteAddr)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running!")
}

// PresenceHandler answers GET /presence?user=<id> with the last known presence
// record of that user.
func (g *Gateway) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}
	if g.presence == nil {
		http.Error(w, "presence disabled", http.StatusNotFound)
		return
	}
	rec, ok := g.presence.Lookup(userID)
	if !ok {
		http.Error(w, "no presence recorded", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		g.logger.Debug("writing presence response", zap.Error(err))
	}
}

// TestPageHandler serves an HTML page that connects with a token, joins a
// conversation and sends messages.
func (g *Gateway) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		g.logger.Debug("writing test page", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Access token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="conversationInput" placeholder="Conversation id" value="lobby">
        <button id="joinButton" onclick="joinConversation()" disabled>Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let counter = 0;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const joinButton = document.getElementById('joinButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            joinButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(document.getElementById('tokenInput').value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?access_token=' + token);

            ws.onopen = function() {
                addLine('Connected to GoChat relay');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                const frame = JSON.parse(event.data);
                if (frame.type === 'message') {
                    const env = frame.envelope;
                    addLine('#' + env.seq + ' ' + env.senderId + ': ' + JSON.stringify(env.payload), 'green');
                } else if (frame.type === 'presence') {
                    addLine('presence ' + JSON.stringify(frame.envelope.payload), 'purple');
                } else if (frame.type === 'error') {
                    addLine('error ' + frame.errorDetail.code + ' ' + (frame.errorDetail.message || ''), 'red');
                }
            };

            ws.onclose = function(event) {
                addLine('Connection closed (' + event.code + ' ' + event.reason + ')');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addLine('Connection error', 'red');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: 'disconnect'}));
            } else {
                connect();
            }
        }

        function joinConversation() {
            const conv = document.getElementById('conversationInput').value.trim();
            if (conv && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: 'join', conversationId: conv}));
                addLine('joined ' + conv);
            }
        }

        function sendMessage() {
            const conv = document.getElementById('conversationInput').value.trim();
            const text = messageInput.value.trim();
            if (text && conv && ws && ws.readyState === WebSocket.OPEN) {
                counter++;
                ws.send(JSON.stringify({
                    type: 'send',
                    conversationId: conv,
                    payload: {text: text},
                    clientMsgId: Date.now() + '-' + counter
                }));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
