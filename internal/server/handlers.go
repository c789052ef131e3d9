// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, internal notification endpoints, and the built-in test page.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/vibechat/internal/auth"
	"github.com/Tyrowin/vibechat/internal/notify"
	"github.com/Tyrowin/vibechat/internal/store"
)

// TokenResolver turns a bearer token into the identity it names.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

// Gateway accepts WebSocket connections and the internal HTTP surface of the hub.
type Gateway struct {
	hub      *Hub
	resolver TokenResolver
	upgrader websocket.Upgrader
	cfg      Config
	log      *zap.Logger
}

// NewGateway builds a Gateway for hub. Tokens are resolved by resolver.
func NewGateway(hub *Hub, resolver TokenResolver, log *zap.Logger) *Gateway {
	log = log.Named("gateway")
	policy := newOriginPolicy(hub.cfg.AllowedOrigins, log)
	return &Gateway{
		hub:      hub,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		cfg: hub.cfg,
		log: log,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// tokenFromRequest reads the handshake credential from the token query
// parameter or an Authorization bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// ServeWS authenticates the handshake, upgrades the connection and registers
// the new session. A refused handshake never creates any session state.
func (g *Gateway) ServeWS(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), g.cfg.HandlerTimeout)
	defer cancel()

	identity, err := g.resolver.Resolve(ctx, tokenFromRequest(c.Request))
	if err != nil {
		var authErr *auth.AuthenticationError
		if errors.As(err, &authErr) {
			g.log.Info("Refused handshake", zap.String("reason", string(authErr.Reason)), zap.String("remote_addr", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
			return
		}
		g.log.Error("Token resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "Authentication unavailable"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Info("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(conn, g.hub, identity, c.ClientIP())

	regCtx, regCancel := context.WithTimeout(context.Background(), g.cfg.HandlerTimeout)
	defer regCancel()

	if err := g.hub.register(regCtx, s); err != nil {
		s.log.Error("Session registration failed", zap.Error(err))
		g.refuse(s, conn, "registration failed")
		return
	}

	if !g.hub.startPumps(s) {
		s.log.Info("Hub is shutting down; dropping new session")
		g.refuse(s, conn, "server shutting down")
	}
}

// refuse tears down a session whose pumps never started and closes its socket.
func (g *Gateway) refuse(s *Session, conn *websocket.Conn, reason string) {
	s.Close()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

// HealthHandler reports liveness and current hub counts.
func (g *Gateway) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"hub":       g.hub.Stats(),
	})
}

// NotifyMessage broadcasts a message persisted by the REST service.
func (g *Gateway) NotifyMessage(c *gin.Context) {
	var n notify.MessageNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	g.deliver(c, n)
}

// NotifyReaction broadcasts a reaction change persisted by the REST service.
func (g *Gateway) NotifyReaction(c *gin.Context) {
	var n notify.ReactionNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	g.deliver(c, n)
}

type deliverable interface {
	Deliver(ctx context.Context, to notify.Notifier) error
}

func (g *Gateway) deliver(c *gin.Context, n deliverable) {
	if err := n.Deliver(c.Request.Context(), g.hub); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

type contactsChanged struct {
	UserIDs []string `json:"userIds" binding:"required,min=1,dive,required"`
}

// InvalidateContacts drops cached contact lists after the REST service
// changes them.
func (g *Gateway) InvalidateContacts(c *gin.Context) {
	var body contactsChanged
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	inv, ok := g.hub.store.(store.ContactInvalidator)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	if err := inv.InvalidateContacts(c.Request.Context(), body.UserIDs...); err != nil {
		g.log.Error("Contact cache invalidation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "invalidation failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// PresenceHandler reports whether a user is connected to this instance.
func (g *Gateway) PresenceHandler(c *gin.Context) {
	userID := c.Param("userId")
	c.JSON(http.StatusOK, gin.H{
		"userId":      userID,
		"isOnline":    g.hub.IsOnline(userID),
		"connections": g.hub.Connections(userID),
	})
}

// requireSecret guards the internal routes when a shared secret is configured.
func requireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Notify-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid notify secret"})
			return
		}
		c.Next()
	}
}

// TestPageHandler serves an HTML page for exercising the WebSocket protocol
// by hand: connect with a token, join chats and send typing or message events.
func TestPageHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(testPage))
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Gateway Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 260px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat Gateway Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="token" placeholder="JWT token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="chatId" placeholder="Chat id">
        <button onclick="emit('join_chat', {chatId: chatId()})">Join</button>
        <button onclick="emit('leave_chat', {chatId: chatId()})">Leave</button>
        <button onclick="emit('typing', {chatId: chatId()})">Typing</button>
        <button onclick="emit('stop_typing', {chatId: chatId()})">Stop typing</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="content" placeholder="Message content">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function chatId() { return document.getElementById('chatId').value.trim(); }

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = new Date().toLocaleTimeString() + ' ' + text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const token = encodeURIComponent(document.getElementById('token').value.trim());
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);
            ws.onopen = function() { addLine('connected'); updateStatus(true); };
            ws.onmessage = function(e) { addLine('<- ' + e.data, 'green'); };
            ws.onclose = function(e) { addLine('closed (' + e.code + ')'); updateStatus(false); ws = null; };
            ws.onerror = function() { addLine('connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function emit(name, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                addLine('not connected', 'red');
                return;
            }
            const frame = JSON.stringify({event: name, data: data});
            ws.send(frame);
            addLine('-> ' + frame, 'blue');
        }

        function sendMessage() {
            const content = document.getElementById('content').value.trim();
            if (!content) { return; }
            const id = (crypto.randomUUID && crypto.randomUUID()) || String(Date.now());
            emit('send_message', {chatId: chatId(), messageId: id, content: content});
            document.getElementById('content').value = '';
        }
    </script>
</body>
</html>`
